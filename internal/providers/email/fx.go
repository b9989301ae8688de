package email

import (
	"github.com/smallbiznis/affiliate-automation/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config, log *zap.Logger) Provider {
	emailCfg := cfg.Email
	log = log.Named("providers.email")

	var provider Provider
	switch emailCfg.Provider {
	case config.EmailProviderSMTP:
		provider = NewSMTP(SMTPConfig{
			Host:      emailCfg.SMTPHost,
			Port:      emailCfg.SMTPPort,
			Username:  emailCfg.SMTPUsername,
			Password:  emailCfg.SMTPPassword,
			SSL:       emailCfg.SMTPSSL,
			FromEmail: emailCfg.FromEmail,
			FromName:  emailCfg.FromName,
			Timeout:   emailCfg.SendTimeout,
		})
	case config.EmailProviderMailketing:
		provider = NewMailketing(MailketingConfig{
			APIKey:    emailCfg.MailketingAPIKey,
			BaseURL:   emailCfg.MailketingBaseURL,
			FromEmail: emailCfg.FromEmail,
			FromName:  emailCfg.FromName,
			Timeout:   emailCfg.SendTimeout,
		}, nil)
	default:
		provider = NewNoOp(log)
	}

	log.Info("email provider selected", zap.String("provider", provider.Name()))
	return provider
}
