package providers

import (
	"github.com/smallbiznis/affiliate-automation/internal/providers/email"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
)
