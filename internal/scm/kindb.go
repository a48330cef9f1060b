package scm

import (
	"encoding/json"
	"fmt"

	"github.com/codereview/revieworchestrator/internal/domain"
)

// kindB mirrors a GitLab-shaped hosted-SCM: repo is a URL-encoded project
// path, change requests are "merge requests", and the diff is returned as
// a list of per-file patches that this adapter joins into one unified-diff
// string before handing it to internal/diffparse.
func newKindBClient(cfg Config) Adapter {
	return newRESTClient(cfg, pathStyle{
		name: "kindB",
		diffPath: func(repo string, number, contextLines int) string {
			return fmt.Sprintf("/api/v4/projects/%s/merge_requests/%d/changes?context=%d", repo, number, contextLines)
		},
		metadataPath: func(repo string, number int) string {
			return fmt.Sprintf("/api/v4/projects/%s/merge_requests/%d", repo, number)
		},
		commentPath: func(repo string, number int) string {
			return fmt.Sprintf("/api/v4/projects/%s/merge_requests/%d/discussions", repo, number)
		},
		diffResponse: func(body []byte) (string, error) {
			v, err := decodeJSON[struct {
				Changes []struct {
					Diff string `json:"diff"`
				} `json:"changes"`
			}](body)
			if err != nil {
				return "", err
			}
			diff := ""
			for i, c := range v.Changes {
				if i > 0 {
					diff += "\n"
				}
				diff += c.Diff
			}
			return diff, nil
		},
		metadataFromRaw: func(body []byte) (domain.ChangeRequestMetadata, error) {
			v, err := decodeJSON[struct {
				Title        string `json:"title"`
				Description  string `json:"description"`
				TargetBranch string `json:"target_branch"`
				SHA          string `json:"sha"`
			}](body)
			if err != nil {
				return domain.ChangeRequestMetadata{}, err
			}
			return domain.ChangeRequestMetadata{
				Title:       v.Title,
				Description: v.Description,
				BaseBranch:  v.TargetBranch,
				HeadSHA:     v.SHA,
			}, nil
		},
		commentBody: func(tag string, position int, file string, f domain.Finding) []byte {
			b, _ := json.Marshal(map[string]any{
				"idempotency_key": tag,
				"position": map[string]any{
					"new_path": file,
					"new_line": f.StartLine,
				},
				"body": fmt.Sprintf("[%s] %s\n\n%s", f.Severity, f.Title, f.Suggestion),
			})
			return b
		},
		summaryBody: func(tag, summary, priorityBreakdown string) []byte {
			b, _ := json.Marshal(map[string]any{
				"idempotency_key": tag,
				"body":            summary + "\n\n" + priorityBreakdown,
			})
			return b
		},
		cloneURL: func(repo string) string {
			return tokenURL(cfg, fmt.Sprintf("/%s.git", repo))
		},
	})
}
