package api

import (
	"fmt"
	"net/http"

	"github.com/emicklei/go-restful/v3"

	ps "github.com/gantryci/gantry/pipeline"
	"github.com/gantryci/gantry/scm"
	"github.com/gantryci/gantry/store/kv"
	"github.com/gantryci/gantry/store/mc"
)

// PipelineResource defines the endpoints of a Pipeline
type PipelineResource struct {
	kv.KVClient
	*mc.MinioClient
	*AuthFilter

	// Runner executes triggered runs, HookClient is the server-scoped
	// SCM client used for webhook driven runs.
	Runner        *ps.Runner
	HookClient    scm.Client
	ArchiveBucket string
	CallbackURL   string
}

// Register registers the endpoint of this resource to the container
func (p *PipelineResource) Register(container *restful.Container) {
	ws := new(restful.WebService)

	ws.
		Path("/api/v1/pipelines").
		Consumes(restful.MIME_JSON).
		Produces(restful.MIME_JSON).
		Doc("manage pipelines").
		Filter(ncsaCommonLogFormatLogger)

	ws.Route(ws.GET("").To(p.list).
		Doc("Get all pipelines").
		Operation("list").
		Writes([]ps.Pipeline{}).
		Filter(p.requireBearerToken))

	ws.Route(ws.POST("").To(p.create).
		Doc("Create new pipeline").
		Operation("create").
		Reads(ps.Pipeline{}).
		Writes(ps.Pipeline{}).
		Filter(p.requireBearerToken))

	ws.Route(ws.GET("/{owner}/{repo}").To(p.show).
		Doc("Show pipeline details").
		Operation("show").
		Param(ws.PathParameter("owner", "repository owner name").DataType("string")).
		Param(ws.PathParameter("repo", "repository name").DataType("string")).
		Writes(ps.Pipeline{}).
		Filter(p.requireBearerToken))

	ws.Route(ws.DELETE("/{owner}/{repo}").To(p.delete).
		Doc("Delete pipeline").
		Operation("delete").
		Param(ws.PathParameter("owner", "repository owner name").DataType("string")).
		Param(ws.PathParameter("repo", "repository name").DataType("string")).
		Filter(p.requireBearerToken))

	ws.Route(ws.GET("/{owner}/{repo}/definition").To(p.definition).
		Doc("Get the pipeline definition of the repository").
		Operation("definition").
		Param(ws.PathParameter("owner", "repository owner name").DataType("string")).
		Param(ws.PathParameter("repo", "repository name").DataType("string")).
		Writes(ps.Definition{}).
		Filter(p.requireBearerToken))

	ws.Route(ws.GET("/{owner}/{repo}/definition/{ref}").To(p.definition).
		Doc("Get the pipeline definition of the repository at a ref").
		Operation("definition").
		Param(ws.PathParameter("owner", "repository owner name").DataType("string")).
		Param(ws.PathParameter("repo", "repository name").DataType("string")).
		Param(ws.PathParameter("ref", "commit or branch").DataType("string")).
		Writes(ps.Definition{}).
		Filter(p.requireBearerToken))

	runResource := &RunResource{
		KVClient:   p.KVClient,
		Runner:     p.Runner,
		HookClient: p.HookClient,
	}
	stageResource := &StageResource{
		KVClient:      p.KVClient,
		MinioClient:   p.MinioClient,
		ArchiveBucket: p.ArchiveBucket,
	}

	runResource.extend(ws)
	stageResource.extend(ws)
	container.Add(ws)
}

func (p *PipelineResource) create(req *restful.Request, res *restful.Response) {
	client := newSCMClient(req)
	pipeline := new(ps.Pipeline)

	if err := req.ReadEntity(pipeline); err != nil {
		jsonError(res, http.StatusInternalServerError, err, "Unable to read pipeline from request")
		return
	}

	if err := ps.CreatePipeline(pipeline, client, p.KVClient, p.CallbackURL); err != nil {
		jsonError(res, 422, err, "Unable to create pipeline")
		return
	}

	res.WriteHeaderAndEntity(http.StatusCreated, pipeline)
}

func (p *PipelineResource) delete(req *restful.Request, res *restful.Response) {
	owner := req.PathParameter("owner")
	repo := req.PathParameter("repo")
	pipeline, err := findPipeline(owner, repo, p.KVClient)
	if err != nil {
		jsonError(res, http.StatusNotFound, err, fmt.Sprintf("Unable to find pipeline %s/%s", owner, repo))
		return
	}

	ctx := req.Request.Context()
	if err := pipeline.DeletePipeline(ctx, p.KVClient, p.MinioClient, p.ArchiveBucket); err != nil {
		jsonError(res, http.StatusInternalServerError, err, fmt.Sprintf("Unable to delete pipeline %s/%s", owner, repo))
		return
	}

	res.WriteHeader(http.StatusOK)
}

func (p *PipelineResource) list(req *restful.Request, res *restful.Response) {
	pipelines, err := ps.FindAllPipelines(p.KVClient)
	if err != nil {
		jsonError(res, http.StatusInternalServerError, err, "Unable to list pipelines")
		return
	}

	res.WriteEntity(pipelines)
}

func (p *PipelineResource) show(req *restful.Request, res *restful.Response) {
	owner := req.PathParameter("owner")
	repo := req.PathParameter("repo")
	pipeline, err := findPipeline(owner, repo, p.KVClient)
	if err != nil {
		jsonError(res, http.StatusNotFound, err, fmt.Sprintf("Unable to find pipeline %s/%s", owner, repo))
		return
	}

	res.WriteEntity(pipeline)
}

func (p *PipelineResource) definition(req *restful.Request, res *restful.Response) {
	client := newSCMClient(req)
	owner := req.PathParameter("owner")
	repo := req.PathParameter("repo")
	ref := req.PathParameter("ref")

	pipeline, err := findPipeline(owner, repo, p.KVClient)
	if err != nil {
		jsonError(res, http.StatusNotFound, err, fmt.Sprintf("Unable to find pipeline %s/%s", owner, repo))
		return
	}

	definition, err := pipeline.Definition(ref, client)
	if err != nil {
		jsonError(res, http.StatusNotFound, err, fmt.Sprintf("Unable to fetch definition for %s/%s", owner, repo))
		return
	}

	res.WriteEntity(definition)
}
