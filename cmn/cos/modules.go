// Package cos ("common os"/"common stuff") collects small, dependency-light
// helpers shared across packages: canonical JSON encode/decode, atomic
// temp-file-then-rename writes, and the verbosity module tags used by
// cmn.Rom.FastV.
package cos

const (
	SmoduleRunner    = "runner"
	SmoduleSnapshot  = "snapshot"
	SmoduleMigration = "migration"
	SmoduleDiscovery = "discovery"
	SmodulePeer      = "peer"
	SmoduleBroadcast = "broadcast"
	SmoduleAPI       = "api"
	SmoduleStartup   = "startup"
)
