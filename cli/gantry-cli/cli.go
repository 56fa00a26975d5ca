package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gosuri/uitable"
	"github.com/urfave/cli"

	apiReq "github.com/gantryci/gantry/cli/request"
)

func main() {
	app := cli.NewApp()

	app.Name = "gantry-cli"
	app.Usage = "interact with a gantry CI server"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "conf, c",
			Value: "./config",
			Usage: "Specify an alternate configuration file (default: ./config)",
		},
	}
	app.Commands = []cli.Command{
		{
			Name: "get",
			Subcommands: []cli.Command{
				{
					Name:      "pipelines",
					Usage:     "get all pipelines",
					ArgsUsage: "[pipeline-name]",
					Before: func(c *cli.Context) error {
						p := strings.TrimSpace(c.Args().First())
						if len(p) > 0 {
							return requireNameArg(c)
						}
						return nil
					},
					Action: getPipelines,
				},
				{
					Name:   "repos",
					Usage:  "get all repositories",
					Action: getRepos,
				},
				{
					Name:      "runs",
					Usage:     "get all runs of pipeline",
					ArgsUsage: "<pipeline-name>",
					Before:    requireNameArg,
					Action:    getRuns,
				},
				{
					Name:      "stages",
					Usage:     "get the stages of a pipeline run",
					ArgsUsage: "<pipeline-name>",
					Before:    requireNameArg,
					Flags: []cli.Flag{
						cli.IntFlag{
							Name:  "run, r",
							Usage: "run number, if not provided will get stages of latest run",
						},
					},
					Action: getStages,
				},
				{
					Name:      "artifacts",
					Usage:     "get the archived artifacts of a pipeline run",
					ArgsUsage: "<pipeline-name>",
					Before:    requireNameArg,
					Flags: []cli.Flag{
						cli.IntFlag{
							Name:  "run, r",
							Usage: "run number",
						},
					},
					Action: getArtifacts,
				},
			},
		},
		{
			Name: "create",
			Subcommands: []cli.Command{
				{
					Name:      "pipeline",
					Usage:     "create pipeline for repo",
					ArgsUsage: "<pipeline-name>",
					Before:    requireNameArg,
					Flags: []cli.Flag{
						cli.StringFlag{
							Name:  "events",
							Value: "push",
						},
						cli.StringFlag{
							Name:  "login",
							Usage: "SCM login owning the pipeline",
						},
					},
					Action: createPipeline,
				},
				{
					Name:      "run",
					Usage:     "trigger a pipeline run",
					ArgsUsage: "<pipeline-name>",
					Before:    requireNameArg,
					Action:    createRun,
				},
			},
		},
		{
			Name: "delete",
			Subcommands: []cli.Command{
				{
					Name:      "pipeline",
					Usage:     "delete pipeline",
					ArgsUsage: "<pipeline-name>",
					Before:    requireNameArg,
					Action:    deletePipeline,
				},
			},
		},
	}
	app.Run(os.Args)
}

func requireNameArg(c *cli.Context) error {
	if _, _, err := parseNameArg(c.Args().First()); err != nil {
		return err
	}
	return nil
}

func parseNameArg(name string) (owner, repo string, err error) {
	invalid := errors.New("Invalid pipeline name")
	required := errors.New("Provide pipeline name")

	p := strings.TrimSpace(name)
	if len(p) == 0 {
		return "", "", required
	}
	fullName := strings.Split(p, "/")
	if len(fullName) != 2 {
		return "", "", invalid
	}

	owner = fullName[0]
	repo = fullName[1]
	if len(owner) == 0 || len(repo) == 0 {
		return "", "", invalid
	}
	return owner, repo, nil
}

func timestamp(nanos int64) string {
	if nanos == 0 {
		return "-"
	}
	return time.Unix(0, nanos).Format(time.RFC3339)
}

// ACTIONS

func getPipelines(c *cli.Context) {
	config, err := apiReq.GetConfigFromFile(c.GlobalString("conf"))
	if err != nil {
		os.Exit(1)
	}
	pipelineName := c.Args().First()
	pipelines, err := config.GetPipelines(http.DefaultClient, pipelineName)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	table := uitable.New()
	table.AddRow("NAME")
	for _, p := range pipelines {
		name := fmt.Sprintf("%s/%s", p.Owner, p.Repo)
		table.AddRow(name)
	}
	fmt.Println(table)
}

func getRepos(c *cli.Context) {
	config, err := apiReq.GetConfigFromFile(c.GlobalString("conf"))
	if err != nil {
		os.Exit(1)
	}
	repos, err := config.GetRepos(http.DefaultClient)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	table := uitable.New()
	table.AddRow("OWNER", "NAME")
	for _, r := range repos {
		table.AddRow(r.Owner, r.Name)
	}
	fmt.Println(table)
}

func getRuns(c *cli.Context) {
	config, err := apiReq.GetConfigFromFile(c.GlobalString("conf"))
	if err != nil {
		os.Exit(1)
	}

	owner, repo, _ := parseNameArg(c.Args().First())
	runs, err := config.GetRuns(http.DefaultClient, owner, repo)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	table := uitable.New()
	table.AddRow("RUN", "STATUS", "CREATED", "FINISHED", "EVENT", "BRANCH", "AUTHOR", "COMMIT")
	for _, r := range runs {
		table.AddRow(r.Number, r.Status, timestamp(r.Created), timestamp(r.Finished),
			r.Event, r.Branch, r.Author, r.Commit)
	}
	fmt.Println(table)
}

func getStages(c *cli.Context) {
	config, err := apiReq.GetConfigFromFile(c.GlobalString("conf"))
	if err != nil {
		os.Exit(1)
	}
	owner, repo, _ := parseNameArg(c.Args().First())
	stages, err := config.GetStages(http.DefaultClient, owner, repo, c.Int("run"))
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	table := uitable.New()
	table.AddRow("INDEX", "TYPE", "NAME", "STATUS", "STARTED", "FINISHED")
	for _, s := range stages {
		table.AddRow(s.Index, s.Type, s.Name, s.Status, timestamp(s.Started), timestamp(s.Finished))
	}
	fmt.Println(table)
}

func getArtifacts(c *cli.Context) {
	config, err := apiReq.GetConfigFromFile(c.GlobalString("conf"))
	if err != nil {
		os.Exit(1)
	}
	owner, repo, _ := parseNameArg(c.Args().First())
	artifacts, err := config.GetArtifacts(http.DefaultClient, owner, repo, c.Int("run"))
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	table := uitable.New()
	table.AddRow("FILE")
	for _, a := range artifacts {
		table.AddRow(a)
	}
	fmt.Println(table)
}

func createPipeline(c *cli.Context) {
	config, err := apiReq.GetConfigFromFile(c.GlobalString("conf"))
	if err != nil {
		os.Exit(1)
	}
	owner, repo, _ := parseNameArg(c.Args().First())
	events := strings.Split(c.String("events"), ",")
	for i, e := range events {
		events[i] = strings.TrimSpace(e)
	}

	login := c.String("login")
	if login == "" {
		login = owner
	}

	pipeline := &apiReq.PipelineData{
		Owner:  owner,
		Repo:   repo,
		Events: events,
		Login:  login,
	}

	err = config.CreatePipeline(http.DefaultClient, pipeline)
	if err != nil {
		fmt.Println(err)
	} else {
		fmt.Printf("pipeline `%s/%s` created\n", pipeline.Owner, pipeline.Repo)
	}
}

func createRun(c *cli.Context) {
	config, err := apiReq.GetConfigFromFile(c.GlobalString("conf"))
	if err != nil {
		os.Exit(1)
	}
	owner, repo, _ := parseNameArg(c.Args().First())
	err = config.CreateRun(http.DefaultClient, owner, repo, owner)

	if err != nil {
		fmt.Println(err)
	} else {
		fmt.Printf("running pipeline %s/%s\n", owner, repo)
	}
}

func deletePipeline(c *cli.Context) {
	config, err := apiReq.GetConfigFromFile(c.GlobalString("conf"))
	if err != nil {
		os.Exit(1)
	}
	pipelineName := c.Args().First()
	err = config.DeletePipeline(http.DefaultClient, pipelineName)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	fmt.Printf("pipeline %s successfully deleted.\n", pipelineName)
}
