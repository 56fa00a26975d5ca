package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gantryci/gantry/scm"
	"github.com/gantryci/gantry/store/kv"
)

const (
	// StageCommand runs a shell command sequence as a single unit
	StageCommand = "command"

	// StageUpload sends a produced artifact to the external reporting sink
	StageUpload = "upload"
)

// EnvVar is a single environment binding for a stage. Value holds a
// literal, Secret names a key in the runner's secret store.
type EnvVar struct {
	Name   string
	Value  string
	Secret string
}

// Stage is one ordered unit of work in a run. Params carry the stage
// configuration as declared in the definition YAML.
type Stage struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Index     int                    `json:"index"`
	Params    map[string]interface{} `json:"params"`
	Started   int64                  `json:"started,omitempty"`
	Finished  int64                  `json:"finished,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Output    string                 `json:"output,omitempty"`
	Status    string                 `json:"status"`
	Artifacts []string               `json:"artifacts,omitempty"`
}

// Commands returns the stage's shell instructions in declared order.
func (s *Stage) Commands() []string {
	return s.stringList("command")
}

// ArtifactPaths lists the artifact files this stage declares to produce,
// relative to the run workspace.
func (s *Stage) ArtifactPaths() []string {
	return s.stringList("artifact_paths")
}

// InputPaths lists artifacts of earlier stages this stage consumes.
func (s *Stage) InputPaths() []string {
	return s.stringList("input_paths")
}

// EnvVars returns the stage's environment bindings.
func (s *Stage) EnvVars() []EnvVar {
	raw, ok := s.Params["env"].([]interface{})
	if !ok {
		return nil
	}

	vars := make([]EnvVar, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		v := EnvVar{}
		v.Name, _ = m["name"].(string)
		v.Value, _ = m["value"].(string)
		v.Secret, _ = m["secret"].(string)
		if v.Name != "" {
			vars = append(vars, v)
		}
	}
	return vars
}

// Timeout returns the optional per-stage timeout. Zero means none.
func (s *Stage) Timeout() time.Duration {
	minutes, ok := s.Params["timeout"].(float64)
	if !ok || minutes <= 0 {
		return 0
	}
	return time.Duration(minutes * float64(time.Minute))
}

// FailOnError reports whether a failing upload or a missing secret is
// fatal for the whole run (`fail_ci_if_error`). Command stages are
// always fatal regardless of this flag.
func (s *Stage) FailOnError() bool {
	fatal, _ := s.Params["fail_ci_if_error"].(bool)
	return fatal
}

// UploadArtifact names the produced artifact an upload stage sends out.
func (s *Stage) UploadArtifact() string {
	artifact, _ := s.Params["artifact"].(string)
	return artifact
}

// Flag is the classification tag attached to the sink upload.
func (s *Stage) Flag() string {
	flag, _ := s.Params["flag"].(string)
	return flag
}

// TokenSecret names the secret holding the sink auth token.
func (s *Stage) TokenSecret() string {
	name, _ := s.Params["token_secret"].(string)
	return name
}

func (s *Stage) stringList(param string) []string {
	switch v := s.Params[param].(type) {
	case string:
		return []string{v}
	case []interface{}:
		list := make([]string, 0, len(v))
		for _, entry := range v {
			if str, ok := entry.(string); ok {
				list = append(list, str)
			}
		}
		return list
	}
	return nil
}

// scmState maps a run status to the commit status posted to the SCM.
func scmState(status string) string {
	switch status {
	case RunRunning, RunPending:
		return scm.StatePending
	case RunSuccess:
		return scm.StateSuccess
	default:
		return scm.StateFailure
	}
}

func getStage(path string, kvClient kv.KVClient) *Stage {
	s := new(Stage)
	started, _ := kvClient.Get(path + "/started")
	finished, _ := kvClient.Get(path + "/finished")
	params, _ := kvClient.Get(path + "/params")
	artifacts, _ := kvClient.Get(path + "/artifacts")

	s.ID, _ = kvClient.Get(path + "/uuid")
	s.Index, _ = kvClient.GetInt(path + "/index")
	s.Name, _ = kvClient.Get(path + "/name")
	s.Type, _ = kvClient.Get(path + "/type")
	s.Status, _ = kvClient.Get(path + "/status")
	s.Message, _ = kvClient.Get(path + "/message")
	s.Output, _ = kvClient.Get(path + "/output")
	s.Started, _ = strconv.ParseInt(started, 10, 64)
	s.Finished, _ = strconv.ParseInt(finished, 10, 64)

	json.Unmarshal([]byte(params), &s.Params)
	json.Unmarshal([]byte(artifacts), &s.Artifacts)

	return s
}

// Save persists the stage details under the given runs namespace
func (s *Stage) Save(namespace string, kvClient kv.KVClient) (err error) {
	stagePrefix := namespace + "/" + strconv.Itoa(s.Index)
	isNew := false

	_, err = kvClient.GetDir(stagePrefix)
	if err != nil || kv.IsKeyNotFound(err) {
		isNew = true
	}

	if err = kvClient.Put(stagePrefix+"/uuid", s.ID); err != nil {
		return handleSaveError(stagePrefix, isNew, err, kvClient)
	}
	if err = kvClient.Put(stagePrefix+"/name", s.Name); err != nil {
		return handleSaveError(stagePrefix, isNew, err, kvClient)
	}
	if err = kvClient.Put(stagePrefix+"/type", s.Type); err != nil {
		return handleSaveError(stagePrefix, isNew, err, kvClient)
	}
	if err = kvClient.Put(stagePrefix+"/status", s.Status); err != nil {
		return handleSaveError(stagePrefix, isNew, err, kvClient)
	}
	if err = kvClient.Put(stagePrefix+"/message", s.Message); err != nil {
		return handleSaveError(stagePrefix, isNew, err, kvClient)
	}
	if err = kvClient.Put(stagePrefix+"/output", s.Output); err != nil {
		return handleSaveError(stagePrefix, isNew, err, kvClient)
	}
	params, _ := json.Marshal(s.Params)
	if err = kvClient.Put(stagePrefix+"/params", string(params)); err != nil {
		return handleSaveError(stagePrefix, isNew, err, kvClient)
	}
	artifacts, _ := json.Marshal(s.Artifacts)
	if err = kvClient.Put(stagePrefix+"/artifacts", string(artifacts)); err != nil {
		return handleSaveError(stagePrefix, isNew, err, kvClient)
	}
	if err = kvClient.PutInt(stagePrefix+"/index", s.Index); err != nil {
		return handleSaveError(stagePrefix, isNew, err, kvClient)
	}
	if err = kvClient.Put(stagePrefix+"/started", strconv.FormatInt(s.Started, 10)); err != nil {
		return handleSaveError(stagePrefix, isNew, err, kvClient)
	}
	if err = kvClient.Put(stagePrefix+"/finished", strconv.FormatInt(s.Finished, 10)); err != nil {
		return handleSaveError(stagePrefix, isNew, err, kvClient)
	}

	return nil
}

// UpdateStatus persists a stage transition and mirrors it to the SCM as
// a commit status when a client is scoped to the run's commit.
func (s *Stage) UpdateStatus(status string, p *Pipeline, run *Run, kvClient kv.KVClient, c scm.Client) error {
	now := time.Now().UnixNano()

	switch status {
	case RunRunning:
		s.Started = now
		if run.Started == 0 {
			run.Started = now
		}
		run.Status = RunRunning
	case RunSuccess:
		s.Finished = now
	case RunFailure:
		s.Finished = now
		run.Status = RunFailure
		run.Finished = now
	}
	s.Status = status

	namespace := fmt.Sprintf("%s%s/runs/%d/stages", pipelineNamespace, run.Pipeline, run.Number)
	if err := s.Save(namespace, kvClient); err != nil {
		return err
	}
	if err := run.Save(kvClient); err != nil {
		return err
	}

	if c != nil && run.Commit != "" && run.Commit != run.Branch {
		if err := c.CreateStatus(p.Owner, p.Repo, run.Commit, s.Index, s.Name, scmState(status)); err != nil {
			return err
		}
	}

	return nil
}
