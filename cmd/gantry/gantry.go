package main

import (
	"net"
	"os"

	"encoding/json"
	"net/http"

	"github.com/emicklei/go-restful/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"

	"github.com/gantryci/gantry/api"
	ps "github.com/gantryci/gantry/pipeline"
	"github.com/gantryci/gantry/scm"
	"github.com/gantryci/gantry/scm/github"
	"github.com/gantryci/gantry/sink"
	"github.com/gantryci/gantry/store/kv"
	"github.com/gantryci/gantry/store/mc"
	"github.com/gantryci/gantry/util"
)

const Version = "0.1.0"

// Secrets is the JSON layout of the secret file. Pipeline holds the
// secrets stages may reference by name (CODECOV_TOKEN and friends).
type Secrets struct {
	AuthSecret  string
	S3AccessKey string
	S3SecretKey string
	GithubToken string
	Pipeline    map[string]string
}

var (
	mainLog            = util.NewContextLogger("main")
	allowedCorsHeaders = []string{
		"Authorization",
		"Accept",
		"Content-Type",
		"Origin",
		"X-Access-Token",
		"X-Custom-Event",
	}
)

func main() {

	// log settings
	setLogLevel()
	log := mainLog.InFunc("main")

	log.Infof("Starting Gantry %s...", Version)

	secrets := getSecrets(getEnv("SECRET_FILE", "/.secret/gantry-secrets"))

	bindAddr := getEnv("BIND_ADDR", "0.0.0.0")
	bindPort := getEnv("BIND_PORT", "3005")
	kvAddress := getEnv("KV_ADDRESS", "localhost:2379")
	s3URL := getEnv("S3_URL", "")
	codecovURL := getEnv("CODECOV_URL", "")
	archiveBucket := getEnv("ARCHIVE_BUCKET", "gantry-artifacts")
	callbackURL := getEnv("CALLBACK_URL", "")

	container := createRestfulContainer()

	kvClient := createKVClient(kvAddress)

	var minioClient *mc.MinioClient
	if s3URL != "" {
		minioClient = createMinioClient(s3URL, secrets.S3AccessKey, secrets.S3SecretKey)
	}

	runner := ps.NewRunner(secrets.Pipeline, sink.NewCodecov(codecovURL))
	if minioClient != nil {
		runner.Archive = minioClient
		runner.ArchiveBucket = archiveBucket
	}

	var hookClient scm.Client
	if secrets.GithubToken != "" {
		hookClient = &github.Client{}
		hookClient.SetAccessToken(secrets.GithubToken)
	} else {
		log.Warn("no github token configured, webhook triggers are disabled")
	}

	authFilter := &api.AuthFilter{JWTSecret: secrets.AuthSecret}
	pipeline := &api.PipelineResource{
		KVClient:      kvClient,
		MinioClient:   minioClient,
		AuthFilter:    authFilter,
		Runner:        runner,
		HookClient:    hookClient,
		ArchiveBucket: archiveBucket,
		CallbackURL:   callbackURL,
	}
	repos := &api.RepositoryResource{AuthFilter: authFilter}

	pipeline.Register(container)
	repos.Register(container)

	addr := net.JoinHostPort(bindAddr, bindPort)
	server := &http.Server{Addr: addr, Handler: container}

	log.Infof("Listening on: %s", addr)

	certFile := getEnv("CERT_FILE", "")
	keyFile := getEnv("KEY_FILE", "")
	if certFile != "" && keyFile != "" {
		if err := http2.ConfigureServer(server, nil); err != nil {
			log.WithError(err).Errorln("unable to configure http2")
			os.Exit(1)
		}
		log.Fatal(server.ListenAndServeTLS(certFile, keyFile))
	}
	log.Fatal(server.ListenAndServe())
}

func setLogLevel() {
	logrus.SetLevel(logrus.InfoLevel)
	debug := getEnv("DEBUG", "false")
	if debug == "true" {
		logrus.SetLevel(logrus.DebugLevel)
	}
}

func getEnv(key, defaultStr string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultStr
	}
	mainLog.InFunc("getEnv").Debugf("Parameter: %s set", key)
	return value
}

func createRestfulContainer() *restful.Container {
	container := restful.NewContainer()
	cors := restful.CrossOriginResourceSharing{
		AllowedHeaders: allowedCorsHeaders,
		Container:      container,
	}
	container.Filter(cors.Filter)
	container.Filter(container.OPTIONSFilter)
	return container
}

func createKVClient(address string) kv.KVClient {
	kvClient, err := kv.NewEtcdClient(
		getEnv("KV_CA_CERT", ""),
		getEnv("KV_CLIENT_CERT", ""),
		getEnv("KV_CLIENT_KEY", ""),
		address)
	if err != nil {
		mainLog.InFunc("createKVClient").
			WithError(err).
			Fatal("unable to create kv client")
		os.Exit(1)
	}
	return kvClient
}

func createMinioClient(url, access, secret string) *mc.MinioClient {
	minioClient, err := mc.NewMinioClient(url, access, secret)
	if err != nil {
		mainLog.InFunc("createMinioClient").
			WithError(err).
			Fatal("unable to create mc client")
		os.Exit(1)
	}
	return minioClient
}

// getSecrets loads the secret file. A missing file is tolerated so the
// env-only setup keeps working; secret values are never logged.
func getSecrets(file string) *Secrets {
	secrets := &Secrets{
		AuthSecret:  os.Getenv("AUTH_SECRET"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		GithubToken: os.Getenv("GITHUB_TOKEN"),
		Pipeline:    map[string]string{},
	}
	if token := os.Getenv("CODECOV_TOKEN"); token != "" {
		secrets.Pipeline["CODECOV_TOKEN"] = token
	}

	content, err := os.ReadFile(file)
	if err != nil {
		mainLog.InFunc("getSecrets").
			WithError(err).
			Warnf("unable to read secret file %s, using env only", file)
		return secrets
	}

	if err := json.Unmarshal(content, secrets); err != nil {
		mainLog.InFunc("getSecrets").
			WithError(err).
			Fatalf("Unable to parse data from %s", file)
		os.Exit(1)
	}
	if secrets.Pipeline == nil {
		secrets.Pipeline = map[string]string{}
	}
	return secrets
}
