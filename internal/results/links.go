package results

import (
	"fmt"
	"net/url"
	"strings"

	"disttest/internal/model"
)

// Output streams addressable within a task's archive.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// OutputLink derives a retrieval URL for the full captured stream from
// the task's output archive reference. Returns "" when the task has no
// archive yet or the stream name is unknown. The storage engine behind
// the URL is external; only the addressing shape is fixed here.
func OutputLink(baseURL string, t *model.Task, stream string) string {
	if t.OutputArchiveRef == "" {
		return ""
	}
	if stream != StreamStdout && stream != StreamStderr {
		return ""
	}
	return fmt.Sprintf("%s/%s/%s",
		strings.TrimRight(baseURL, "/"),
		url.PathEscape(t.OutputArchiveRef),
		stream)
}
