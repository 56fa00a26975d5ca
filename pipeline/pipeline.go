package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gantryci/gantry/scm"
	"github.com/gantryci/gantry/store/kv"
	"github.com/gantryci/gantry/store/mc"
)

const (
	// DefinitionYAML is the YAML file that holds the pipeline specification
	DefinitionYAML = ".gantry.yml"

	// RunFailure indicates that the run has failed
	RunFailure = "FAIL"

	// RunPending indicates that the run is pending
	RunPending = "PENDING"

	// RunRunning indicates that the run is running
	RunRunning = "RUNNING"

	// RunSuccess indicates that the run was successful
	RunSuccess = "SUCCESS"

	appNamespace      = "/gantry/"
	pipelineNamespace = appNamespace + "pipelines/"
	runEndpoint       = "%s/api/v1/pipelines/%s/%s/runs"
)

// Notifier describes a notification target declared in the definition
type Notifier struct {
	Type     string                 `json:"type"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Pipeline is a registered repository whose definition file drives runs
type Pipeline struct {
	ID     string   `json:"id"`
	Name   string   `json:"-"`
	Owner  string   `json:"owner"`
	Repo   string   `json:"repo"`
	Events []string `json:"events,omitempty"`
	Runs   []*Run   `json:"runs,omitempty"`
	Login  string   `json:"login"`
	Source string   `json:"-"`
}

// CreatePipeline persists the pipeline details and sets up the webhook
// on the remote SCM
func CreatePipeline(p *Pipeline, c scm.Client, k kv.KVClient, callbackURL string) (err error) {
	if _, exists := FindPipeline(p.Owner, p.Repo, k); exists {
		return fmt.Errorf("Pipeline %s/%s already exists!", p.Owner, p.Repo)
	}

	// check if repo exists
	source, exists := c.GetRepository(p.Owner, p.Repo)
	if !exists {
		return fmt.Errorf("Repository has no remote source from %s.", c.Name())
	}

	// check if user has admin rights
	if !source.IsAdmin() {
		return fmt.Errorf("Admin rights for %s/%s is required to create a pipeline.",
			source.Owner,
			source.Name)
	}

	p.ID = generateUUID()
	p.Source = c.Name()
	if err = p.Validate(); err != nil {
		return err
	}

	if err = p.Save(k); err != nil {
		return err
	}

	// hook might already be created from a previous install
	if callbackURL != "" && !c.HookExists(p.Owner, p.Repo, callbackURL) {
		if err = c.CreateHook(p.Owner, p.Repo, callbackURL, p.Events); err != nil {
			return err
		}
	}

	return nil
}

// FindPipeline returns a pipeline based on the given owner & repo details
func FindPipeline(owner, repo string, kvClient kv.KVClient) (*Pipeline, bool) {
	pipelineDirs, err := kvClient.GetDir(pipelineNamespace)
	if err != nil || kv.IsKeyNotFound(err) {
		return nil, false
	}

	for _, pair := range pipelineDirs {
		namespace := strings.TrimPrefix(pair.Key, pipelineNamespace)
		id := strings.SplitN(namespace, ":", 2)
		if len(id) != 2 {
			continue
		}
		if id[0] == owner && (id[1] == repo || strings.HasPrefix(id[1], repo+"/")) {
			path := pipelineNamespace + owner + ":" + repo
			return getPipeline(path, kvClient), true
		}
	}

	return nil, false
}

// FindAllPipelines returns all the pipelines
func FindAllPipelines(kvClient kv.KVClient) ([]*Pipeline, error) {
	pipelineDirs, err := kvClient.GetDir(pipelineNamespace)
	if err != nil {
		if kv.IsKeyNotFound(err) {
			return make([]*Pipeline, 0), nil
		}
		return nil, err
	}

	seen := map[string]bool{}
	pipelines := []*Pipeline{}
	for _, pair := range pipelineDirs {
		namespace := strings.TrimPrefix(pair.Key, pipelineNamespace)
		name := strings.SplitN(namespace, "/", 2)[0]
		if seen[name] {
			continue
		}
		seen[name] = true
		pipelines = append(pipelines, getPipeline(pipelineNamespace+name, kvClient))
	}

	sort.Slice(pipelines, func(i, j int) bool {
		return pipelines[i].Name < pipelines[j].Name
	})

	return pipelines, nil
}

func getPipeline(path string, kvClient kv.KVClient) *Pipeline {
	p := new(Pipeline)
	p.ID, _ = kvClient.Get(path + "/uuid")
	p.Repo, _ = kvClient.Get(path + "/repo")
	p.Owner, _ = kvClient.Get(path + "/owner")
	p.Login, _ = kvClient.Get(path + "/login")
	p.Source, _ = kvClient.Get(path + "/source")
	events, _ := kvClient.Get(path + "/events")
	p.Events = strings.Split(events, ",")
	p.Name = p.fullName()
	return p
}

// Save persists the pipeline details to the kv store
func (p *Pipeline) Save(kvClient kv.KVClient) (err error) {
	p.Name = p.fullName()
	path := pipelineNamespace + p.Name
	events := strings.Join(p.Events, ",")
	isNew := false

	_, err = kvClient.GetDir(path)
	if err != nil || kv.IsKeyNotFound(err) {
		isNew = true
	}

	if err = kvClient.Put(path+"/uuid", p.ID); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	if err = kvClient.Put(path+"/repo", p.Repo); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	if err = kvClient.Put(path+"/owner", p.Owner); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	if err = kvClient.Put(path+"/events", events); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	if err = kvClient.Put(path+"/login", p.Login); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}
	if err = kvClient.Put(path+"/source", p.Source); err != nil {
		return handleSaveError(path, isNew, err, kvClient)
	}

	return nil
}

// DeletePipeline removes the pipeline, its runs and any archived
// artifacts
func (p *Pipeline) DeletePipeline(ctx context.Context, kvClient kv.KVClient, mcClient *mc.MinioClient, bucket string) error {
	if err := kvClient.DeleteTree(pipelineNamespace + p.fullName()); err != nil {
		return err
	}

	if mcClient != nil {
		prefix := p.Owner + "/" + p.Repo + "/"
		if err := mcClient.DeleteTree(ctx, bucket, prefix); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks if the required values for a pipeline are present
func (p *Pipeline) Validate() error {
	if p.Owner == "" {
		return errors.New("Owner is required.")
	}
	if p.Repo == "" {
		return errors.New("Repo is required.")
	}
	if p.Login == "" {
		return errors.New("Login is required.")
	}
	if p.Source == "" {
		return errors.New("Source is required.")
	}

	allEvents := []string{scm.EventPush, scm.EventPullRequest}
	if len(p.Events) == 0 {
		return fmt.Errorf("Events is required. Must be any of the following: %s",
			strings.Join(allEvents, ", "))
	}

	for _, event := range p.Events {
		known := false
		for _, e := range allEvents {
			if e == event {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("Unknown event: %s", event)
		}
	}

	return nil
}

// Definition retrieves the pipeline definition from a given reference
func (p *Pipeline) Definition(ref string, c scm.Client) (*Definition, error) {
	file, ok := c.GetFileContent(p.Owner, p.Repo, DefinitionYAML, ref)
	if !ok {
		return nil, fmt.Errorf("%s not found for %s/%s on %s",
			DefinitionYAML,
			p.Owner,
			p.Repo,
			ref)
	}

	return GetDefinition(file)
}

// GetRuns fetches all runs from the store
func (p *Pipeline) GetRuns(kvClient kv.KVClient) ([]*Run, error) {
	namespace := fmt.Sprintf("%s%s/runs", pipelineNamespace, p.fullName())
	runDirs, err := kvClient.GetDir(namespace)
	if err != nil {
		if kv.IsKeyNotFound(err) {
			return make([]*Run, 0), nil
		}
		return nil, err
	}

	seen := map[string]bool{}
	p.Runs = []*Run{}
	for _, pair := range runDirs {
		name := strings.SplitN(strings.TrimPrefix(pair.Key, namespace+"/"), "/", 2)[0]
		if seen[name] {
			continue
		}
		seen[name] = true
		p.Runs = append(p.Runs, getRun(namespace+"/"+name, kvClient))
	}

	sort.Slice(p.Runs, func(i, j int) bool {
		return p.Runs[i].Number < p.Runs[j].Number
	})

	return p.Runs, nil
}

// GetRun fetches a specific run by its number
func (p *Pipeline) GetRun(num int, kvClient kv.KVClient) (*Run, bool) {
	path := fmt.Sprintf("%s%s:%s/runs/%d", pipelineNamespace, p.Owner, p.Repo, num)
	_, err := kvClient.GetDir(path)
	if err != nil || kv.IsKeyNotFound(err) {
		return nil, false
	}

	return getRun(path, kvClient), true
}

// CreateRun persists run & stage details based on the given definition
func (p *Pipeline) CreateRun(r *Run, stages []*Stage, kvClient kv.KVClient, scmClient scm.Client) error {
	r.Created = time.Now().UnixNano()
	r.CurrentStage = 1
	r.Status = RunPending
	r.Pipeline = p.fullName()
	r.ID = generateUUID()
	r.Number = generateSequentialID(fmt.Sprintf("%s%s/runs", pipelineNamespace, r.Pipeline), kvClient)

	// the run owns its stage records, the parsed definition stays untouched
	r.Stages = make([]*Stage, len(stages))
	for i, stage := range stages {
		s := *stage
		s.Started = 0
		s.Finished = 0
		s.Message = ""
		s.Output = ""
		s.Artifacts = nil
		r.Stages[i] = &s
	}

	if err := r.Save(kvClient); err != nil {
		return err
	}

	if scmClient != nil && r.Commit != "" && r.Commit != r.Branch {
		for _, stage := range r.Stages {
			if err := scmClient.CreateStatus(p.Owner, p.Repo, r.Commit, stage.Index, stage.Name, scm.StatePending); err != nil {
				return err
			}
		}
	}

	return nil
}

func (p *Pipeline) fullName() string {
	return p.Owner + ":" + p.Repo
}
