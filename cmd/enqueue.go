package main

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/reviewpilot/batchd/internal/batch"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <request-file|->",
	Short: "Reserve credits and create a batch run from a JSON or YAML request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		req, err := readEnqueueRequest(args[0])
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Enqueuer.Enqueue(ctx, req)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(run)
	},
}

func init() {
	rootCmd.AddCommand(enqueueCmd)
}

// readEnqueueRequest loads a request file. "-" reads JSON from stdin.
func readEnqueueRequest(path string) (batch.EnqueueRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return batch.EnqueueRequest{}, eris.Wrap(err, "read enqueue request")
	}
	return parseEnqueueRequest(data, filepath.Ext(path))
}

// parseEnqueueRequest decodes JSON, or YAML when ext is .yaml or .yml.
// YAML is converted to JSON first so params keep their raw form.
func parseEnqueueRequest(data []byte, ext string) (batch.EnqueueRequest, error) {
	var req batch.EnqueueRequest

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return req, eris.Wrap(err, "parse enqueue request yaml")
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return req, eris.Wrap(err, "convert enqueue request")
		}
		data = converted
	}

	if err := json.Unmarshal(data, &req); err != nil {
		return req, eris.Wrap(err, "parse enqueue request")
	}
	return req, nil
}
