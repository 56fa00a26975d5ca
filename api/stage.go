package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/emicklei/go-restful/v3"

	ps "github.com/gantryci/gantry/pipeline"
	"github.com/gantryci/gantry/store/kv"
	"github.com/gantryci/gantry/store/mc"
)

// StageResource defines the endpoints for run stages and their archived
// artifacts
type StageResource struct {
	kv.KVClient
	*mc.MinioClient

	ArchiveBucket string
}

func (s *StageResource) extend(ws *restful.WebService) {

	ws.Route(ws.GET("/{owner}/{repo}/runs/{runNumber}/stages").To(s.list).
		Doc("Get run stage details").
		Operation("list").
		Param(ws.PathParameter("owner", "repository owner name").DataType("string")).
		Param(ws.PathParameter("repo", "repository name").DataType("string")).
		Param(ws.PathParameter("runNumber", "run number").DataType("int")).
		Writes([]ps.Stage{}))

	ws.Route(ws.GET("/{owner}/{repo}/runs/{runNumber}/stages/{stageIndex}").To(s.show).
		Doc("Get run stage details").
		Operation("show").
		Param(ws.PathParameter("owner", "repository owner name").DataType("string")).
		Param(ws.PathParameter("repo", "repository name").DataType("string")).
		Param(ws.PathParameter("runNumber", "run number").DataType("int")).
		Param(ws.PathParameter("stageIndex", "stage index").DataType("int")).
		Writes(ps.Stage{}))

	ws.Route(ws.GET("/{owner}/{repo}/runs/{runNumber}/artifacts").To(s.artifacts).
		Doc("List archived artifacts of a run").
		Operation("artifacts").
		Param(ws.PathParameter("owner", "repository owner name").DataType("string")).
		Param(ws.PathParameter("repo", "repository name").DataType("string")).
		Param(ws.PathParameter("runNumber", "run number").DataType("int")).
		Writes([]string{}))

	ws.Route(ws.GET("/{owner}/{repo}/runs/{runNumber}/artifacts/{file}").To(s.artifact).
		Doc("Fetch an archived artifact of a run").
		Operation("artifact").
		Produces(restful.MIME_OCTET).
		Param(ws.PathParameter("owner", "repository owner name").DataType("string")).
		Param(ws.PathParameter("repo", "repository name").DataType("string")).
		Param(ws.PathParameter("runNumber", "run number").DataType("int")).
		Param(ws.PathParameter("file", "artifact file name").DataType("string")))
}

func (s *StageResource) list(req *restful.Request, res *restful.Response) {
	owner := req.PathParameter("owner")
	repo := req.PathParameter("repo")
	runNumber := req.PathParameter("runNumber")
	pipeline, err := findPipeline(owner, repo, s.KVClient)
	if err != nil {
		jsonError(res, http.StatusNotFound, err, fmt.Sprintf("Unable to find pipeline %s/%s", owner, repo))
		return
	}

	run, err := findRun(runNumber, pipeline, s.KVClient)
	if err != nil {
		jsonError(res, http.StatusNotFound, err, fmt.Sprintf("Unable to find run %s for %s/%s", runNumber, owner, repo))
		return
	}

	stages, err := run.GetStages(s.KVClient)
	if err != nil {
		jsonError(res, http.StatusNotFound, err, fmt.Sprintf("Unable to find stages for %s/%s/runs/%s", owner, repo, runNumber))
		return
	}

	res.WriteEntity(stages)
}

func (s *StageResource) show(req *restful.Request, res *restful.Response) {
	owner := req.PathParameter("owner")
	repo := req.PathParameter("repo")
	runNumber := req.PathParameter("runNumber")
	stageIndex := req.PathParameter("stageIndex")

	pipeline, err := findPipeline(owner, repo, s.KVClient)
	if err != nil {
		jsonError(res, http.StatusNotFound, err, fmt.Sprintf("Unable to find pipeline %s/%s", owner, repo))
		return
	}

	run, err := findRun(runNumber, pipeline, s.KVClient)
	if err != nil {
		jsonError(res, http.StatusNotFound, err, fmt.Sprintf("Unable to find run %s for %s/%s", runNumber, owner, repo))
		return
	}

	stage, err := findStage(stageIndex, run, s.KVClient)
	if err != nil {
		jsonError(res, http.StatusNotFound, err, "Unable to find stage")
		return
	}

	res.WriteEntity(stage)
}

func (s *StageResource) artifacts(req *restful.Request, res *restful.Response) {
	owner := req.PathParameter("owner")
	repo := req.PathParameter("repo")
	runNumber := req.PathParameter("runNumber")

	if s.MinioClient == nil {
		jsonError(res, http.StatusServiceUnavailable,
			fmt.Errorf("no artifact store configured"), "Unable to list artifacts")
		return
	}

	prefix := fmt.Sprintf("%s/%s/%s/", owner, repo, runNumber)
	objects, err := s.MinioClient.ListObjects(req.Request.Context(), s.ArchiveBucket, prefix)
	if err != nil {
		jsonError(res, http.StatusInternalServerError, err,
			fmt.Sprintf("Unable to list artifacts for %s/%s/runs/%s", owner, repo, runNumber))
		return
	}

	files := make([]string, len(objects))
	for i, object := range objects {
		files[i] = strings.TrimPrefix(object.Key, prefix)
	}

	res.WriteEntity(files)
}

func (s *StageResource) artifact(req *restful.Request, res *restful.Response) {
	owner := req.PathParameter("owner")
	repo := req.PathParameter("repo")
	runNumber := req.PathParameter("runNumber")
	file := req.PathParameter("file")

	if s.MinioClient == nil {
		jsonError(res, http.StatusServiceUnavailable,
			fmt.Errorf("no artifact store configured"), "Unable to fetch artifact")
		return
	}

	object := fmt.Sprintf("%s/%s/%s/%s", owner, repo, runNumber, file)
	local := filepath.Join(os.TempDir(), "gantry-artifact-"+filepath.Base(file))
	defer os.Remove(local)

	if err := s.MinioClient.CopyLocally(req.Request.Context(), s.ArchiveBucket, object, local); err != nil {
		jsonError(res, http.StatusNotFound, err, fmt.Sprintf("Unable to fetch artifact %s", file))
		return
	}

	http.ServeFile(res.ResponseWriter, req.Request, local)
}
