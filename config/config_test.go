package config

import (
	"os"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

// chdir changes the working directory for the duration of the test
// and restores it on cleanup (equivalent of testing.T.Chdir, Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := LoadConfig()
	tassert(t, err == nil, "%v", err)
	tassert(t, cfg.NodeID == 1 && cfg.LevelCap == 10 && cfg.Workers == 4, "cfg %#v", cfg)
	tassert(t, cfg.Schedule.String() == "10,5,3,2,1", "schedule %s", cfg.Schedule)
	tassert(t, cfg.OpTimeout == 5*time.Second, "timeout %v", cfg.OpTimeout)
}

func TestLoadConfigEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("NODE_ID", "7")
	t.Setenv("SCHEDULE", "20,10")
	t.Setenv("OP_TIMEOUT", "250ms")
	t.Setenv("RATE_LIMIT", "2.5")
	t.Setenv("STORE_DIR", "/srv/mlm")
	cfg, err := LoadConfig()
	tassert(t, err == nil, "%v", err)
	tassert(t, cfg.NodeID == 7 && cfg.StoreDir == "/srv/mlm", "cfg %#v", cfg)
	tassert(t, cfg.Schedule.String() == "20,10", "schedule %s", cfg.Schedule)
	tassert(t, cfg.OpTimeout == 250*time.Millisecond, "timeout %v", cfg.OpTimeout)
	tassert(t, cfg.RateLimit == 2.5, "rate %v", cfg.RateLimit)
}

func TestLoadConfigErrors(t *testing.T) {
	chdir(t, t.TempDir())
	for key, value := range map[string]string{
		"NODE_ID":    "x",
		"WORKERS":    "0",
		"SCHEDULE":   "90,20",
		"OP_TIMEOUT": "soon",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := LoadConfig()
			tassert(t, err != nil, "%s=%s accepted", key, value)
		})
	}
}

func TestSetupLogging(t *testing.T) {
	t.Setenv("DEBUG", "")
	SetupLogging(log.WarnLevel)
	tassert(t, log.GetLevel() == log.WarnLevel, "level %v", log.GetLevel())
	t.Setenv("DEBUG", "1")
	SetupLogging(log.WarnLevel)
	tassert(t, log.GetLevel() == log.DebugLevel, "level %v", log.GetLevel())
	log.SetReportCaller(false)
	log.SetLevel(log.InfoLevel)
	tassert(t, GetGID() != 0, "gid is 0")
}
