package policy

import "os"

// remoteExposureEnv is the fixed set of environment variables that mark a
// deployment as remotely reachable. Any one being set is sufficient.
var remoteExposureEnv = []string{
	"AGENTOS_REMOTE_MODE",
	"RAILWAY_ENVIRONMENT",
	"HEROKU_APP_NAME",
	"VERCEL",
	"AWS_EXECUTION_ENV",
	"KUBERNETES_SERVICE_HOST",
}

// DetectRemoteExposure reports whether the process appears to run on a
// remotely exposed platform. The result is advisory only.
func DetectRemoteExposure() bool {
	for _, key := range remoteExposureEnv {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}
