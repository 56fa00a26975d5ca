package pipeline

import (
	"strings"

	uuid "github.com/satori/go.uuid"

	"github.com/gantryci/gantry/store/kv"
)

func generateUUID() string {
	return uuid.NewV4().String()
}

func generateSequentialID(namespace string, kvClient kv.KVClient) int {
	dirs, err := kvClient.GetDir(namespace)
	if err != nil {
		return 1
	}

	seen := map[string]bool{}
	for _, pair := range dirs {
		name := strings.SplitN(strings.TrimPrefix(pair.Key, namespace+"/"), "/", 2)[0]
		seen[name] = true
	}

	return len(seen) + 1
}

func handleSaveError(namespace string, isNew bool, err error, kvClient kv.KVClient) error {
	if isNew {
		kvClient.DeleteTree(namespace)
	}

	return err
}
