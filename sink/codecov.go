// Package sink uploads coverage artifacts to an external reporting
// service. The client speaks the codecov-style upload endpoint: the
// report body is posted raw, the token authenticates the repository and
// the flag classifies the report.
package sink

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/gantryci/gantry/util"
)

const DefaultURL = "https://codecov.io"

var sinkLog = util.NewContextLogger("sink")

// Codecov is a client for the external coverage reporting sink
type Codecov struct {
	URL    string
	Client *http.Client
}

// NewCodecov creates a sink client. An empty url falls back to the
// hosted service.
func NewCodecov(uploadURL string) *Codecov {
	if uploadURL == "" {
		uploadURL = DefaultURL
	}
	return &Codecov{
		URL:    uploadURL,
		Client: http.DefaultClient,
	}
}

// Upload sends the report file to the sink. The token is carried in a
// header and is never logged.
func (c *Codecov) Upload(ctx context.Context, file, token, flag string) error {
	log := sinkLog.InFunc("Upload")

	report, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("unable to read report %s: %v", file, err)
	}
	defer report.Close()

	endpoint := fmt.Sprintf("%s/upload/v2?%s", c.URL, url.Values{
		"flags": {flag},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, report)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "text/plain")
	req.Header.Set("X-Upload-Token", token)

	res, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("sink returned %d: %s", res.StatusCode, string(body))
	}

	log.Infof("uploaded %s with flag %s", file, flag)
	return nil
}
