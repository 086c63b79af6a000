package logger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSamplingNeverDropsWarnings(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(sampleBelowWarn(core, Config{
		SamplingInitial:    1,
		SamplingThereafter: 1000,
		SamplingWindow:     time.Minute,
	}))

	for i := 0; i < 5; i++ {
		log.Info("attempt started")
		log.Warn("attempt failed")
	}

	assert.Equal(t, 1, logs.FilterMessage("attempt started").Len())
	assert.Equal(t, 5, logs.FilterMessage("attempt failed").Len())
}

func TestSamplingRespectsCoreLevel(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	log := zap.New(sampleBelowWarn(core, Config{}))

	log.Debug("hidden")
	log.Info("hidden")
	log.Error("shown")

	assert.Equal(t, 1, logs.Len())
	assert.Equal(t, "shown", logs.All()[0].Message)
}
