package auth

import (
	"log/slog"

	"github.com/foxseedlab/pokerpoints/internal/auth"
	"github.com/foxseedlab/pokerpoints/internal/config"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (auth.Verifier, error) {
		c := do.MustInvoke[*config.Config](i)
		if !c.AuthEnabled() {
			slog.Warn("JWT_SECRET is not set; signed-in features are disabled")
			return DisabledVerifier{}, nil
		}
		return NewJWTVerifier(c.JWTSecret, c.JWTIssuer, c.JWTAudience), nil
	})
}
