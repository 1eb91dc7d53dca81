package remote

import (
	"strings"
)

// TrainingEnv holds the values exported to the remote training run.
type TrainingEnv struct {
	TrackingURI     string
	ExperimentID    string
	AccessKeyID     string
	SecretAccessKey string
	ArtifactRoot    string
	Bucket          string
	FileKey         string
	ProjectURI      string
}

// TrainingCommand builds the composite shell script that exports the tracking
// and storage settings and then starts the training project.
func TrainingCommand(env TrainingEnv) string {
	exports := []struct{ name, value string }{
		{"MLFLOW_TRACKING_URI", env.TrackingURI},
		{"MLFLOW_EXPERIMENT_ID", env.ExperimentID},
		{"AWS_ACCESS_KEY_ID", env.AccessKeyID},
		{"AWS_SECRET_ACCESS_KEY", env.SecretAccessKey},
		{"ARTIFACT_ROOT", env.ArtifactRoot},
		{"BUCKET_NAME", env.Bucket},
		{"FILE_KEY", env.FileKey},
	}

	var b strings.Builder
	for _, e := range exports {
		b.WriteString("export " + e.name + "=" + shellQuote(e.value) + "\n")
	}
	b.WriteString(`export PATH="$PATH:$HOME/.local/bin"` + "\n")
	b.WriteString("mlflow run " + shellQuote(env.ProjectURI) + " --build-image")
	return b.String()
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
