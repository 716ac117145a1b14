package referral

import "go.uber.org/fx"

var Module = fx.Module("referral.service", fx.Provide(NewService))
