package logsvc

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trezcool/masomo/core"
	"github.com/trezcool/masomo/core/user"
)

func newTestLogger(debug bool) (*RollbarLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	conf := &core.Config{Env: "TEST", TestMode: true, Debug: debug, AppName: "Masomo", Build: "test"}
	return NewRollbarLogger(log.New(&buf, "", 0), conf), &buf
}

func TestRollbarLogger_prepare(t *testing.T) {
	logger, _ := newTestLogger(false)
	usr := user.User{ID: "1", Email: "a@test.cd"}
	err := errors.New("boom")
	extras := map[string]interface{}{"path": "/admin"}

	tests := []struct {
		name string
		args []interface{}
		want []interface{}
	}{
		{name: "no args", want: []interface{}{"msg"}},
		{name: "user is not reported as an arg", args: []interface{}{err, usr}, want: []interface{}{"msg", err}},
		{name: "user pointer", args: []interface{}{&usr, extras}, want: []interface{}{"msg", extras}},
		{name: "nil user pointer", args: []interface{}{(*user.User)(nil)}, want: []interface{}{"msg"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, logger.prepare("msg", tt.args))
		})
	}
}

func TestRollbarLogger_levels(t *testing.T) {
	t.Run("debug mode", func(t *testing.T) {
		logger, buf := newTestLogger(true)
		logger.Debug("dbg", map[string]interface{}{"k": "v"})
		logger.Info("info", user.User{ID: "1", Email: "a@test.cd"})

		out := buf.String()
		assert.Contains(t, out, "[DEBUG] dbg")
		assert.Contains(t, out, "map[k:v]")
		assert.Contains(t, out, "[INFO] info")
		assert.Contains(t, out, "user: 1 <a@test.cd>")
	})

	t.Run("debug entries are dropped otherwise", func(t *testing.T) {
		logger, buf := newTestLogger(false)
		logger.Debug("dbg")
		logger.Warn("careful", errors.New("boom"))

		out := buf.String()
		assert.False(t, strings.Contains(out, "dbg"))
		assert.Contains(t, out, "[WARN] careful")
		assert.Contains(t, out, "boom")
	})
}
