package version

// Current is the release version, without a leading v.
const Current = "0.3.0"

// UserAgent identifies this build on outbound Foundry and job-service calls.
func UserAgent() string {
	return "claims-warehouse/" + Current
}
