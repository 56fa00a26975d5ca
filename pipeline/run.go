package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/gantryci/gantry/notif"
	"github.com/gantryci/gantry/store/kv"
)

// Run is a single execution of a pipeline, from the first stage to the
// first failure or completion.
type Run struct {
	ID           string   `json:"id"`
	Number       int      `json:"number"`
	Status       string   `json:"status"`
	Created      int64    `json:"created"`
	Started      int64    `json:"started"`
	Finished     int64    `json:"finished"`
	CurrentStage int      `json:"current_stage"`
	Branch       string   `json:"branch"`
	Commit       string   `json:"commit"`
	Author       string   `json:"author"`
	Event        string   `json:"event"`
	CloneURL     string   `json:"clone_url"`
	Pipeline     string   `json:"-"`
	Stages       []*Stage `json:"stages,omitempty"`
}

func getRun(path string, kvClient kv.KVClient) *Run {
	r := new(Run)
	r.ID, _ = kvClient.Get(path + "/uuid")
	r.Status, _ = kvClient.Get(path + "/status")
	r.Branch, _ = kvClient.Get(path + "/branch")
	r.Commit, _ = kvClient.Get(path + "/commit")
	r.Author, _ = kvClient.Get(path + "/author")
	r.Event, _ = kvClient.Get(path + "/event")
	r.CloneURL, _ = kvClient.Get(path + "/clone-url")
	r.Pipeline, _ = kvClient.Get(path + "/pipeline")
	r.Number, _ = kvClient.GetInt(path + "/number")
	r.CurrentStage, _ = kvClient.GetInt(path + "/current-stage")
	created, _ := kvClient.Get(path + "/created")
	started, _ := kvClient.Get(path + "/started")
	finished, _ := kvClient.Get(path + "/finished")
	r.Created, _ = strconv.ParseInt(created, 10, 64)
	r.Started, _ = strconv.ParseInt(started, 10, 64)
	r.Finished, _ = strconv.ParseInt(finished, 10, 64)
	r.GetStages(kvClient)

	return r
}

// Save persists the run details to the kv store
func (r *Run) Save(kvClient kv.KVClient) (err error) {
	runsPrefix := fmt.Sprintf("%s%s/runs", pipelineNamespace, r.Pipeline)
	path := fmt.Sprintf("%s/%d", runsPrefix, r.Number)
	isNew := false

	_, err = kvClient.GetDir(path)
	if err != nil || kv.IsKeyNotFound(err) {
		isNew = true
	}

	// strings
	if err := kvClient.Put(path+"/uuid", r.ID); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	if err := kvClient.Put(path+"/status", r.Status); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	if err := kvClient.Put(path+"/branch", r.Branch); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	if err := kvClient.Put(path+"/commit", r.Commit); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	if err := kvClient.Put(path+"/author", r.Author); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	if err := kvClient.Put(path+"/event", r.Event); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	if err := kvClient.Put(path+"/clone-url", r.CloneURL); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	if err := kvClient.Put(path+"/pipeline", r.Pipeline); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	// int as string
	if err := kvClient.Put(path+"/created", strconv.FormatInt(r.Created, 10)); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	if err := kvClient.Put(path+"/started", strconv.FormatInt(r.Started, 10)); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	if err := kvClient.Put(path+"/finished", strconv.FormatInt(r.Finished, 10)); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	// integers
	if err := kvClient.PutInt(path+"/number", r.Number); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	if err := kvClient.PutInt(path+"/current-stage", r.CurrentStage); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	// save stages
	if isNew {
		if err := r.CreateStages(kvClient); err != nil {
			return handleSaveError(path, isNew, err, kvClient)
		}
	}

	return nil
}

// CreateStages persists the run's stage details
func (r *Run) CreateStages(kvClient kv.KVClient) (err error) {
	runsPrefix := fmt.Sprintf("%s%s/runs", pipelineNamespace, r.Pipeline)
	stagesPrefix := fmt.Sprintf("%s/%d/stages", runsPrefix, r.Number)

	for idx, stage := range r.Stages {
		stage.Status = RunPending
		stage.Index = idx + 1
		stage.ID = generateUUID()

		if err := stage.Save(stagesPrefix, kvClient); err != nil {
			return err
		}
	}

	return nil
}

// GetStages fetches all stages of the run from the store
func (r *Run) GetStages(kvClient kv.KVClient) ([]*Stage, error) {
	stagesPrefix := fmt.Sprintf("%s%s/runs/%d/stages", pipelineNamespace, r.Pipeline, r.Number)
	stageDirs, err := kvClient.GetDir(stagesPrefix)
	if err != nil {
		if kv.IsKeyNotFound(err) {
			return make([]*Stage, 0), nil
		}
		return nil, err
	}

	seen := map[string]bool{}
	r.Stages = []*Stage{}
	for _, pair := range stageDirs {
		name := strings.SplitN(strings.TrimPrefix(pair.Key, stagesPrefix+"/"), "/", 2)[0]
		if seen[name] {
			continue
		}
		seen[name] = true
		r.Stages = append(r.Stages, getStage(stagesPrefix+"/"+name, kvClient))
	}

	sort.Slice(r.Stages, func(i, j int) bool {
		return r.Stages[i].Index < r.Stages[j].Index
	})

	return r.Stages, nil
}

// GetStage fetches a specific stage by its index
func (r *Run) GetStage(idx int, kvClient kv.KVClient) (*Stage, bool) {
	path := fmt.Sprintf("%s%s/runs/%d/stages/%d", pipelineNamespace, r.Pipeline, r.Number, idx)
	_, err := kvClient.GetDir(path)
	if err != nil || kv.IsKeyNotFound(err) {
		return nil, false
	}

	return getStage(path, kvClient), true
}

// FailedStage returns the stage that aborted the run, if any.
func (r *Run) FailedStage() (*Stage, bool) {
	for _, stage := range r.Stages {
		if stage.Status == RunFailure {
			return stage, true
		}
	}
	return nil, false
}

// CompletedStages returns the stages that finished successfully, in
// execution order.
func (r *Run) CompletedStages() []*Stage {
	completed := []*Stage{}
	for _, stage := range r.Stages {
		if stage.Status == RunSuccess {
			completed = append(completed, stage)
		}
	}
	return completed
}

// Notify posts the run result to the definition's notifiers.
func (r *Run) Notify(notifiers []*Notifier, secrets map[string]string) error {
	stageStatus := r.stageStatuses()

	for _, notifier := range notifiers {
		var appNotifier notif.AppNotifier

		switch notifier.Type {
		case "slack":
			appNotifier = &notif.Slack{}
		default:
			logrus.Warnf("unknown notifier type: %s", notifier.Type)
			continue
		}

		metadata := resolveNotifierSecrets(notifier.Metadata, secrets)
		if !appNotifier.PostMessage(r.Pipeline, r.Number, r.Status, stageStatus, metadata) {
			return fmt.Errorf("Unable to notify %s for run #%d", notifier.Type, r.Number)
		}
	}

	return nil
}

// resolveNotifierSecrets swaps metadata values naming a secret for the
// secret's value. Unknown names pass through untouched.
func resolveNotifierSecrets(metadata map[string]interface{}, secrets map[string]string) map[string]interface{} {
	resolved := make(map[string]interface{}, len(metadata))
	for key, value := range metadata {
		resolved[key] = value
		if name, ok := value.(string); ok {
			if secret, ok := secrets[name]; ok {
				resolved[key] = secret
			}
		}
	}
	return resolved
}

func (r *Run) stageStatuses() []notif.StageStatus {
	statuses := make([]notif.StageStatus, len(r.Stages))
	for i, stage := range r.Stages {
		statuses[i] = notif.StageStatus{
			Name:   stage.Name,
			Status: stage.Status,
		}
	}
	return statuses
}
