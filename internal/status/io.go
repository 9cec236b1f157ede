package status

import (
	"encoding/json"
	"os"

	"github.com/poppobuilder/poppobuilder/internal/state"
)

// writeRequest atomically writes a LabelMutationRequest file. Writers into the requests
// directory append-only; only the arbiter deletes, to respect the shared-resource
// discipline.
func writeRequest(path string, req state.LabelMutationRequest) error {
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
