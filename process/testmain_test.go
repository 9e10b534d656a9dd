package process

import (
	"os"
	"testing"

	"github.com/zhubert/tether/logger"
)

func TestMain(m *testing.M) {
	// Keep test runs from writing to the real debug log
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}
