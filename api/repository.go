package api

import (
	"fmt"
	"net/http"

	"github.com/emicklei/go-restful/v3"

	"github.com/gantryci/gantry/scm"
)

// RepositoryResource defines the endpoints to access the git
// repositories visible to the caller's token
type RepositoryResource struct {
	*AuthFilter
}

// Register registers the endpoints to the container
func (r *RepositoryResource) Register(container *restful.Container) {
	ws := new(restful.WebService)

	ws.
		Path("/api/v1/repositories").
		Produces(restful.MIME_JSON).
		Doc("browse repositories").
		Filter(ncsaCommonLogFormatLogger).
		Filter(r.requireBearerToken)

	ws.Route(ws.GET("").To(r.list).
		Doc("Get all repositories accessible by the current user").
		Operation("list").
		Param(ws.QueryParameter("user", "repository owner to list for").DataType("string")).
		Writes([]scm.Repository{}))

	ws.Route(ws.GET("/{owner}/{name}").To(r.show).
		Doc("Get repository details").
		Operation("show").
		Param(ws.PathParameter("owner", "repository owner name").DataType("string")).
		Param(ws.PathParameter("name", "repository name").DataType("string")).
		Writes(scm.Repository{}))

	container.Add(ws)
}

func (r *RepositoryResource) list(req *restful.Request, res *restful.Response) {
	client := newSCMClient(req)
	user := req.QueryParameter("user")

	repos, err := client.ListRepositories(user)
	if err != nil {
		jsonError(res, http.StatusBadRequest, err, "unable to get list of repositories")
		return
	}
	res.WriteEntity(repos)
}

func (r *RepositoryResource) show(req *restful.Request, res *restful.Response) {
	client := newSCMClient(req)
	owner := req.PathParameter("owner")
	name := req.PathParameter("name")
	repo, ok := client.GetRepository(owner, name)
	if !ok {
		jsonError(res, http.StatusNotFound, fmt.Errorf("Repository %s/%s not found.", owner, name), "Unable to find repo")
		return
	}

	res.WriteEntity(repo)
}
