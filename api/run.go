package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/emicklei/go-restful/v3"

	ps "github.com/gantryci/gantry/pipeline"
	"github.com/gantryci/gantry/scm"
	"github.com/gantryci/gantry/store/kv"
)

// RunResource defines the endpoints for runs
type RunResource struct {
	kv.KVClient

	Runner     *ps.Runner
	HookClient scm.Client
}

// TriggerPayload contains the data expected from a run trigger coming
// from the CLI
type TriggerPayload struct {
	Author string `json:"author"`
}

func (r *RunResource) extend(ws *restful.WebService) {

	ws.Route(ws.GET("/{owner}/{repo}/runs").To(r.list).
		Doc("Get runs for repo").
		Operation("list").
		Param(ws.PathParameter("owner", "repository owner name").DataType("string")).
		Param(ws.PathParameter("repo", "repository name").DataType("string")).
		Writes([]ps.Run{}))

	ws.Route(ws.POST("/{owner}/{repo}/runs").To(r.create).
		Doc("Trigger a run from a webhook or the CLI").
		Operation("create").
		Param(ws.PathParameter("owner", "repository owner name").DataType("string")).
		Param(ws.PathParameter("repo", "repository name").DataType("string")).
		Param(ws.HeaderParameter("X-Custom-Event", "specifies a custom event, supports: cli").DataType("string")).
		Reads(TriggerPayload{}).
		Writes(ps.Run{}))

	ws.Route(ws.GET("/{owner}/{repo}/runs/{runNumber}").To(r.show).
		Doc("Show run details").
		Operation("show").
		Param(ws.PathParameter("owner", "repository owner name").DataType("string")).
		Param(ws.PathParameter("repo", "repository name").DataType("string")).
		Param(ws.PathParameter("runNumber", "run number").DataType("int")).
		Writes(ps.Run{}))
}

// create receives webhook and CLI triggers. A trigger that does not
// match the definition's rules is acknowledged without starting a run.
func (r *RunResource) create(req *restful.Request, res *restful.Response) {
	owner := req.PathParameter("owner")
	repo := req.PathParameter("repo")
	pipeline, err := findPipeline(owner, repo, r.KVClient)
	if err != nil {
		jsonError(res, http.StatusNotFound, err, fmt.Sprintf("Unable to find pipeline %s/%s", owner, repo))
		return
	}

	// let ping pass
	if r.isPing(req.Request) {
		res.WriteHeader(http.StatusOK)
		return
	}

	body, _ := io.ReadAll(req.Request.Body)
	var client scm.Client
	var hook *scm.Hook

	switch {
	case r.isRemoteEvent(&req.Request.Header):
		client = r.HookClient
		if client == nil {
			jsonError(res, http.StatusServiceUnavailable,
				errors.New("no SCM access token configured"), "Unable to process webhook")
			return
		}
		hook, err = client.ParseHook(body, req.HeaderParameter("X-Github-Event"))
	case r.isCustomEvent(&req.Request.Header):
		client = newSCMClient(req)
		hook, err = r.parseCustomHook(owner, repo, body, scm.EventCLI, client)
	default:
		jsonError(res, http.StatusUnauthorized, errors.New("Unknown event trigger"), "Hook source unknown")
		return
	}

	if err != nil {
		jsonError(res, http.StatusBadRequest, err, "Unable to parse hook")
		return
	}

	ref := hook.Commit
	if ref == "" {
		ref = hook.Branch
	}
	definition, err := pipeline.Definition(ref, client)
	if err != nil {
		jsonError(res, http.StatusNotFound, err, fmt.Sprintf("Unable to fetch definition for %s/%s", owner, repo))
		return
	}

	// manual triggers are not subject to the trigger rules
	if hook.Event != scm.EventCLI && !definition.Evaluate(hook) {
		apiLogger.InFunc("create").Debugf("%s on %s does not match any trigger for %s/%s",
			hook.Event, hook.Branch, owner, repo)
		res.WriteHeaderAndEntity(http.StatusOK, map[string]string{
			"message": fmt.Sprintf("%s on %s does not match any trigger", hook.Event, hook.Branch),
		})
		return
	}

	run := &ps.Run{
		Author:   hook.Author,
		Branch:   hook.Branch,
		CloneURL: hook.CloneURL,
		Commit:   hook.Commit,
		Event:    hook.Event,
	}

	if err = pipeline.CreateRun(run, definition.GetStages(), r.KVClient, client); err != nil {
		jsonError(res, http.StatusInternalServerError, err, "Unable to create run")
		return
	}

	go func() {
		if err := r.Runner.Execute(context.Background(), pipeline, definition, run, r.KVClient, client); err != nil {
			apiLogger.InFunc("create").WithError(err).Errorf("run #%d for %s/%s failed", run.Number, owner, repo)
		}
	}()

	res.WriteHeaderAndEntity(http.StatusCreated, run)
}

func (r *RunResource) list(req *restful.Request, res *restful.Response) {
	owner := req.PathParameter("owner")
	repo := req.PathParameter("repo")
	pipeline, err := findPipeline(owner, repo, r.KVClient)
	if err != nil {
		jsonError(res, http.StatusNotFound, err, fmt.Sprintf("Unable to find pipeline %s/%s", owner, repo))
		return
	}

	runs, err := pipeline.GetRuns(r.KVClient)
	if err != nil {
		jsonError(res, http.StatusInternalServerError, err, fmt.Sprintf("Unable to list runs for %s/%s", owner, repo))
		return
	}

	res.WriteEntity(runs)
}

func (r *RunResource) show(req *restful.Request, res *restful.Response) {
	owner := req.PathParameter("owner")
	repo := req.PathParameter("repo")
	runNumber := req.PathParameter("runNumber")
	pipeline, err := findPipeline(owner, repo, r.KVClient)
	if err != nil {
		jsonError(res, http.StatusNotFound, err, fmt.Sprintf("Unable to find pipeline %s/%s", owner, repo))
		return
	}

	run, err := findRun(runNumber, pipeline, r.KVClient)
	if err != nil {
		jsonError(res, http.StatusNotFound, err, fmt.Sprintf("Unable to find run %s for %s/%s", runNumber, owner, repo))
		return
	}

	res.WriteEntity(run)
}

func (r *RunResource) isPing(req *http.Request) bool {
	// add other ping checks here
	return req.Header.Get("X-Github-Event") == scm.EventPing
}

func (r *RunResource) isRemoteEvent(h *http.Header) bool {
	return h.Get("X-Github-Event") != ""
}

func (r *RunResource) isCustomEvent(h *http.Header) bool {
	return h.Get("X-Custom-Event") == scm.EventCLI
}

// parseCustomHook builds a hook for CLI triggers against the default
// branch of the repository.
func (r *RunResource) parseCustomHook(owner, repo string, body []byte, event string, scmClient scm.Client) (*scm.Hook, error) {
	var payload map[string]string
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, err
		}
	}

	source, exists := scmClient.GetRepository(owner, repo)
	if !exists {
		return nil, fmt.Errorf("Repository has no remote source from %s.", scmClient.Name())
	}

	hook := &scm.Hook{
		Author:   payload["author"],
		Branch:   source.DefaultBranch,
		CloneURL: source.CloneURL,
		Commit:   source.DefaultBranch,
		Event:    event,
	}

	return hook, nil
}
