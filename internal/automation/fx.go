package automation

import (
	"github.com/smallbiznis/affiliate-automation/internal/automation/repository"
	"github.com/smallbiznis/affiliate-automation/internal/automation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("automation.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
