package volume

// FailOverState is the VolumeFailOverState machine of §4.1:
// Ok_Standalone -> Ok_Sync -> Degraded -> Ok_Sync (repair).
type FailOverState string

const (
	OkStandalone FailOverState = "ok_standalone"
	OkSync       FailOverState = "ok_sync"
	Degraded     FailOverState = "degraded"
)
