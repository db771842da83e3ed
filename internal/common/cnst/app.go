package cnst

const (
	// AppName is the name reported in logs, traces and the version command
	AppName = "timerbridge"
	// CommandName is the name of the bridge binary
	CommandName = "timerbridge"
	// MockTimerCommandName is the name of the mock device binary
	MockTimerCommandName = "mock-timer"
)

const (
	// DefaultListenPort is the port downstream sessions connect to
	DefaultListenPort = 5000
	// DefaultUpstreamPort is used when the target argument carries no port
	DefaultUpstreamPort = 5001
	// DefaultUpstreamPath is the WebSocket path on the timing device
	DefaultUpstreamPath = "/"
	// DefaultConfigFile is looked up through helper.GetCfgPath
	DefaultConfigFile = "timerbridge.yaml"
	// DefaultMockTimerConfigFile is the configuration of the mock device
	DefaultMockTimerConfigFile = "mock-timer.yaml"
)
