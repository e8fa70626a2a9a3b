package build

import (
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

// mockSubLogger records the levels set through the LeveledSubLogger
// interface.
type mockSubLogger struct {
	globalLevel string
	levels      map[string]string
}

func newMockSubLogger(subsystems ...string) *mockSubLogger {
	levels := make(map[string]string)
	for _, subsystem := range subsystems {
		levels[subsystem] = ""
	}
	return &mockSubLogger{levels: levels}
}

func (m *mockSubLogger) SubLoggers() SubLoggers {
	loggers := make(SubLoggers)
	for subsystem := range m.levels {
		loggers[subsystem] = btclog.Disabled
	}
	return loggers
}

func (m *mockSubLogger) SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(m.levels))
	for subsystem := range m.levels {
		subsystems = append(subsystems, subsystem)
	}
	return subsystems
}

func (m *mockSubLogger) SetLogLevel(subsystemID, logLevel string) {
	m.levels[subsystemID] = logLevel
}

func (m *mockSubLogger) SetLogLevels(logLevel string) {
	m.globalLevel = logLevel
	for subsystem := range m.levels {
		m.levels[subsystem] = logLevel
	}
}

func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		level    string
		valid    bool
		global   string
		perSubys map[string]string
	}{
		{
			name:   "global level",
			level:  "debug",
			valid:  true,
			global: "debug",
		},
		{
			name:  "global and subsystem",
			level: "info,CRTC=trace",
			valid: true,
			global: "info",
			perSubys: map[string]string{
				"CRTC": "trace", "DLCM": "info",
			},
		},
		{
			name:  "subsystem only",
			level: "DLCM=warn",
			valid: true,
			perSubys: map[string]string{
				"DLCM": "warn",
			},
		},
		{
			name:  "invalid level",
			level: "loud",
			valid: false,
		},
		{
			name:  "unknown subsystem",
			level: "PEER=debug",
			valid: false,
		},
		{
			name:  "malformed pair",
			level: "info,CRTC=debug=trace",
			valid: false,
		},
	}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			logger := newMockSubLogger("CRTC", "DLCM")
			err := ParseAndSetDebugLevels(tc.level, logger)

			if !tc.valid {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			require.Equal(t, tc.global, logger.globalLevel)
			for subsystem, level := range tc.perSubys {
				require.Equal(t, level,
					logger.levels[subsystem])
			}
		})
	}
}

func TestNewSubLogger(t *testing.T) {
	t.Parallel()

	// Development builds log to stdout at the default level.
	logger := NewSubLogger("TEST", nil)
	require.NotNil(t, logger)

	level, ok := btclog.LevelFromString(LogLevel)
	require.True(t, ok)
	require.Equal(t, level, logger.Level())
}
