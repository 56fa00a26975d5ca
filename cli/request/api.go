// Package request is the HTTP client the CLI uses against the gantry
// API. Requests carry a JWT minted from the configured secret plus the
// caller's SCM access token for routes that reach out to the remote
// source.
package request

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gantryci/gantry/api"
	"github.com/gantryci/gantry/scm"
)

type (
	Config struct {
		Host   string
		Token  string
		Secret string
	}

	Error struct {
		Code    int    `json:"Code"`
		Message string `json:"Message"`
	}

	PipelineData struct {
		ID     string   `json:"id"`
		Owner  string   `json:"owner"`
		Repo   string   `json:"repo"`
		Events []string `json:"events"`
		Login  string   `json:"login"`
	}

	RepoData struct {
		Owner string `json:"owner"`
		Name  string `json:"name"`
	}

	RunData struct {
		Number   int          `json:"number"`
		Status   string       `json:"status"`
		Created  int64        `json:"created"`
		Finished int64        `json:"finished"`
		Event    string       `json:"event"`
		Author   string       `json:"author"`
		Commit   string       `json:"commit"`
		Branch   string       `json:"branch"`
		Stages   []*StageData `json:"stages"`
	}

	StageData struct {
		Index    int    `json:"index"`
		Name     string `json:"name"`
		Type     string `json:"type"`
		Status   string `json:"status"`
		Message  string `json:"message,omitempty"`
		Started  int64  `json:"started,omitempty"`
		Finished int64  `json:"finished,omitempty"`
	}
)

func GetConfigFromFile(file string) (*Config, error) {
	_, err := os.Stat(file)
	if err != nil {
		logrus.WithError(err).Errorln("Unable to read config file")
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(file)
	v.ReadInConfig()

	config := &Config{}
	err = v.Unmarshal(&config)
	if err != nil {
		logrus.WithError(err).Errorln("Unable to read config file")
		return nil, err
	}

	err = config.validate()
	if err != nil {
		logrus.WithError(err).Errorln("Invalid config file")
		return nil, err
	}

	return config, nil
}

func (c *Config) GetPipelines(client *http.Client, pipelineName string) ([]*PipelineData, error) {
	body, err := c.sendAPIRequest(client, "GET", "/api/v1/pipelines", nil)
	if err != nil {
		return nil, err
	}
	list := []*PipelineData{}
	err = json.Unmarshal(body, &list)
	if err != nil {
		return nil, err
	}
	if len(pipelineName) > 0 {
		for _, p := range list {
			pname := strings.Join([]string{p.Owner, p.Repo}, "/")
			if pname == pipelineName {
				return []*PipelineData{p}, nil
			}
		}
		return nil, fmt.Errorf("Pipeline for `%s` not found", pipelineName)
	}
	return list, nil
}

func (c *Config) GetRepos(client *http.Client) ([]*RepoData, error) {
	body, err := c.sendAPIRequest(client, "GET", "/api/v1/repositories", nil)
	if err != nil {
		return nil, err
	}
	list := []*RepoData{}
	err = json.Unmarshal(body, &list)
	if err != nil {
		return nil, err
	}

	return list, nil
}

func (c *Config) GetRuns(client *http.Client, owner, repo string) ([]*RunData, error) {
	endpoint := fmt.Sprintf("/api/v1/pipelines/%s/%s/runs", owner, repo)
	body, err := c.sendAPIRequest(client, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}
	list := []*RunData{}
	err = json.Unmarshal(body, &list)
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Config) GetStages(client *http.Client, owner, repo string, runNumber int) ([]*StageData, error) {
	if runNumber == 0 {
		runs, err := c.GetRuns(client, owner, repo)
		if err != nil {
			return nil, err
		}
		if len(runs) == 0 {
			return nil, errors.New("No runs for pipeline.")
		}
		runNumber = runs[len(runs)-1].Number
	}

	endpoint := fmt.Sprintf("/api/v1/pipelines/%s/%s/runs/%d/stages", owner, repo, runNumber)
	body, err := c.sendAPIRequest(client, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}
	list := []*StageData{}
	err = json.Unmarshal(body, &list)
	if err != nil {
		return nil, err
	}

	return list, nil
}

func (c *Config) GetArtifacts(client *http.Client, owner, repo string, runNumber int) ([]string, error) {
	endpoint := fmt.Sprintf("/api/v1/pipelines/%s/%s/runs/%d/artifacts", owner, repo, runNumber)
	body, err := c.sendAPIRequest(client, "GET", endpoint, nil)
	if err != nil {
		return nil, err
	}
	list := []string{}
	err = json.Unmarshal(body, &list)
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Config) CreatePipeline(client *http.Client, pipeline *PipelineData) error {
	data, _ := json.Marshal(pipeline)
	_, err := c.sendAPIRequest(client, "POST", "/api/v1/pipelines", data)
	if err != nil {
		return err
	}
	return nil
}

func (c *Config) CreateRun(client *http.Client, owner, repo, author string) error {
	data := fmt.Sprintf(`{"author":"%s"}`, author)
	endpoint := fmt.Sprintf("/api/v1/pipelines/%s/%s/runs", owner, repo)
	_, err := c.sendAPIRequest(client, "POST", endpoint, []byte(data))
	if err != nil {
		return err
	}
	return nil
}

func (c *Config) DeletePipeline(client *http.Client, pipelineName string) error {
	endpoint := fmt.Sprintf("/api/v1/pipelines/%s", pipelineName)
	_, err := c.sendAPIRequest(client, "DELETE", endpoint, nil)
	if err != nil {
		return err
	}
	return nil
}

func (c *Config) validate() error {
	missing := []string{}
	if len(c.Host) == 0 {
		missing = append(missing, "host")
	}
	if len(c.Token) == 0 {
		missing = append(missing, "token")
	}
	if len(c.Secret) == 0 {
		missing = append(missing, "secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("Missing configuration: [%s]", strings.Join(missing, ", "))
	}
	return nil
}

func (c *Config) sendAPIRequest(client *http.Client, method, endpoint string, data []byte) ([]byte, error) {
	url := c.Host + endpoint
	req, err := http.NewRequest(method, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	jwtToken, err := api.CreateJWT(c.Token, c.Secret)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Authorization", "Bearer "+jwtToken)
	req.Header.Add("X-Access-Token", c.Token)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("X-Custom-Event", scm.EventCLI)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode <= 500 {
		apiError := &Error{}
		err = json.Unmarshal(body, apiError)
		if err != nil {
			return nil, errors.New(resp.Status)
		}
		return nil, errors.New(apiError.Message)
	}

	return body, nil
}
