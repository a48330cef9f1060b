package scm

import (
	"encoding/json"
	"fmt"

	"github.com/codereview/revieworchestrator/internal/domain"
)

// kindA mirrors a Bitbucket-shaped hosted-SCM: repo is a "project/slug"
// pair, pull requests are addressed by numeric ID, and comments carry an
// inline anchor keyed by file path + diff-relative position.
func newKindAClient(cfg Config) Adapter {
	return newRESTClient(cfg, pathStyle{
		name: "kindA",
		diffPath: func(repo string, number, contextLines int) string {
			return fmt.Sprintf("/rest/api/1.0/projects/%s/pull-requests/%d/diff?contextLines=%d", repo, number, contextLines)
		},
		metadataPath: func(repo string, number int) string {
			return fmt.Sprintf("/rest/api/1.0/projects/%s/pull-requests/%d", repo, number)
		},
		commentPath: func(repo string, number int) string {
			return fmt.Sprintf("/rest/api/1.0/projects/%s/pull-requests/%d/comments", repo, number)
		},
		diffResponse: func(body []byte) (string, error) {
			v, err := decodeJSON[struct {
				Diff string `json:"diff"`
			}](body)
			if err != nil {
				return "", err
			}
			return v.Diff, nil
		},
		metadataFromRaw: func(body []byte) (domain.ChangeRequestMetadata, error) {
			v, err := decodeJSON[struct {
				Title       string `json:"title"`
				Description string `json:"description"`
				BaseBranch  string `json:"baseBranch"`
				HeadSHA     string `json:"headSha"`
			}](body)
			if err != nil {
				return domain.ChangeRequestMetadata{}, err
			}
			return domain.ChangeRequestMetadata{
				Title:       v.Title,
				Description: v.Description,
				BaseBranch:  v.BaseBranch,
				HeadSHA:     v.HeadSHA,
			}, nil
		},
		commentBody: func(tag string, position int, file string, f domain.Finding) []byte {
			b, _ := json.Marshal(map[string]any{
				"idempotencyKey": tag,
				"anchor": map[string]any{
					"path":     file,
					"position": position,
				},
				"text": fmt.Sprintf("[%s] %s\n\n%s", f.Severity, f.Title, f.Suggestion),
			})
			return b
		},
		summaryBody: func(tag, summary, priorityBreakdown string) []byte {
			b, _ := json.Marshal(map[string]any{
				"idempotencyKey": tag,
				"text":           summary + "\n\n" + priorityBreakdown,
			})
			return b
		},
		cloneURL: func(repo string) string {
			return tokenURL(cfg, fmt.Sprintf("/scm/%s.git", repo))
		},
	})
}
