package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/plantid/internal/model"
)

var (
	identifyProject    string
	identifyOrgans     []string
	identifyLang       string
	identifyDiseases   bool
	identifyMaxResults int
)

var identifyCmd = &cobra.Command{
	Use:   "identify <image>",
	Short: "Identify a single plant photo and print the result as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		image, err := readImage(args[0], int64(cfg.Server.MaxUploadMB)<<20)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "identify")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Orchestrator.IdentifyImage(ctx, image, model.Options{
			Project:         identifyProject,
			Organs:          identifyOrgans,
			Language:        identifyLang,
			IncludeDiseases: identifyDiseases,
			MaxResults:      identifyMaxResults,
		})
		if err != nil {
			return eris.Wrapf(err, "identify %s", args[0])
		}

		if id, err := env.Recorder.Record(ctx, res); err != nil {
			zap.L().Warn("history: record failed", zap.Error(err))
		} else if id != "" {
			zap.L().Info("history: recorded", zap.String("history_id", id))
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

// readImage loads path and enforces the non-empty and size checks the
// core leaves to its callers. maxBytes <= 0 disables the size check.
func readImage(path string, maxBytes int64) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrapf(err, "stat %s", path)
	}
	if info.IsDir() {
		return nil, eris.Errorf("%s is a directory", path)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return nil, eris.Errorf("%s is %d bytes, limit is %d", path, info.Size(), maxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read %s", path)
	}
	if len(data) == 0 {
		return nil, eris.Wrapf(model.ErrEmptyImage, "%s", path)
	}
	return data, nil
}

func init() {
	identifyCmd.Flags().StringVar(&identifyProject, "project", model.DefaultProject, "Pl@ntNet taxonomy project")
	identifyCmd.Flags().StringSliceVar(&identifyOrgans, "organ", nil, "organ shown in the photo (leaf, flower, fruit, bark, auto); repeatable")
	identifyCmd.Flags().StringVar(&identifyLang, "lang", "en", "language for common names")
	identifyCmd.Flags().BoolVar(&identifyDiseases, "diseases", false, "include Plant.id health assessment")
	identifyCmd.Flags().IntVar(&identifyMaxResults, "max-results", 0, "limit candidates (default from config)")
	rootCmd.AddCommand(identifyCmd)
}
