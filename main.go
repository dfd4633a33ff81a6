package main

import (
	"net/http"
	"os"
	"time"

	"github.com/fiffu/subscribable/app"
	"github.com/fiffu/subscribable/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger() (*zap.Logger, error) {
	switch os.Getenv("ENVIRONMENT") {
	default:
		return zap.NewDevelopment()

	case "production":
		logCfg := zap.NewProductionConfig()
		logCfg.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			t = t.UTC()
			zapcore.ISO8601TimeEncoder(t, enc)
		}
		return logCfg.Build()
	}
}

func main() {
	fx.New(
		fx.Provide(NewLogger),
		fx.Provide(config.NewConfig),

		fx.Provide(app.NewRegistry),
		fx.Provide(app.NewDatabase),
		fx.Provide(app.NewEngine),
		fx.Provide(app.NewQueue),
		fx.Provide(app.NewService),
		fx.Provide(app.NewAPI),

		fx.Invoke(app.InstallHooks),
		fx.Invoke(func(*http.Server) {}),
	).Run()
}
