package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/api"
	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:         "token",
		Short:       "Issue an API bearer token signed with api.jwt_secret",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{"offline": "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireFlags(cmd, "subject"); err != nil {
				return err
			}
			v := api.NewJWTValidator(a.cfg.API.JWTSecret)
			if v == nil {
				return fmt.Errorf("%w: api.jwt_secret is not configured", repairerrors.ErrInvalidInput)
			}
			tok, err := v.Sign(subject, roles, ttl)
			if err != nil {
				return err
			}
			return a.emit(map[string]string{"token": tok}, func(w io.Writer) {
				_, _ = fmt.Fprintln(w, tok)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Actor recorded on approvals")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "Roles, e.g. approver")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
