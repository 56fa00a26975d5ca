package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emicklei/go-restful/v3"
	"github.com/sirupsen/logrus"

	ps "github.com/gantryci/gantry/pipeline"
	"github.com/gantryci/gantry/scm"
	"github.com/gantryci/gantry/scm/github"
	"github.com/gantryci/gantry/store/kv"
	"github.com/gantryci/gantry/util"
)

var apiLogger = util.NewContextLogger("api")

// filters
var (
	ncsaCommonLogFormatLogger restful.FilterFunction = func(req *restful.Request, resp *restful.Response, chain *restful.FilterChain) {
		var username = "-"
		if req.Request.URL.User != nil {
			if name := req.Request.URL.User.Username(); name != "" {
				username = name
			}
		}
		chain.ProcessFilter(req, resp)
		logrus.Printf("%s - %s [%s] \"%s %s %s\" %d %d",
			strings.Split(req.Request.RemoteAddr, ":")[0],
			username,
			time.Now().Format("02/Jan/2006:15:04:05 -0700"),
			req.Request.Method,
			req.Request.URL.RequestURI(),
			req.Request.Proto,
			resp.StatusCode(),
			resp.ContentLength(),
		)
	}
)

// utils
func jsonError(res *restful.Response, statusCode int, err error, msg string) {
	logrus.WithError(err).Error(msg)
	res.WriteServiceError(statusCode, restful.NewError(statusCode, err.Error()))
}

func newSCMClient(req *restful.Request) scm.Client {
	// github is the default SCM provider
	client := new(github.Client)
	token := req.HeaderParameter("Authorization")
	accessToken := strings.Replace(token, "Bearer ", "", -1)
	// the CLI authenticates with a JWT and carries its SCM token apart
	if t := req.HeaderParameter("X-Access-Token"); t != "" {
		accessToken = t
	}

	switch {
	case req.HeaderParameter("X-Remote-Client") == "github", req.HeaderParameter("X-Github-Event") != "":
		client = new(github.Client)
	}
	client.SetAccessToken(accessToken)

	return client
}

// finders
func findPipeline(owner, repo string, kvClient kv.KVClient) (*ps.Pipeline, error) {
	pipeline, exists := ps.FindPipeline(owner, repo, kvClient)
	if !exists {
		err := fmt.Errorf("Pipeline for %s/%s not found.", owner, repo)
		return nil, err
	}

	return pipeline, nil
}

func findRun(runNumber string, pipeline *ps.Pipeline, kvClient kv.KVClient) (*ps.Run, error) {
	msg := fmt.Errorf("Run %s not found.", runNumber)
	num, err := strconv.Atoi(runNumber)
	if err != nil {
		return nil, msg
	}

	run, exists := pipeline.GetRun(num, kvClient)
	if !exists {
		return nil, msg
	}

	return run, nil
}

func findStage(stageIndex string, run *ps.Run, kvClient kv.KVClient) (*ps.Stage, error) {
	msg := fmt.Errorf("Stage %s not found.", stageIndex)
	idx, err := strconv.Atoi(stageIndex)
	if err != nil {
		return nil, msg
	}

	stage, exists := run.GetStage(idx, kvClient)
	if !exists {
		return nil, msg
	}

	return stage, nil
}
