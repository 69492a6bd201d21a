package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"kama_relay_server/pkg/util/jwt"
)

// newTokenCmd 本地联调用：用配置里的密钥签发 Access Token
// 生产环境的令牌由认证服务签发
func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <identity>",
		Short: "签发一个 Access Token（仅用于本地联调）",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := setup()
			if err != nil {
				return err
			}
			if conf.JWTConfig.Secret == "" {
				return errors.New("jwtConfig.secret is empty, set it in config or RELAY_JWT_SECRET")
			}
			jwt.Init(conf.JWTConfig.Secret, conf.JWTConfig.Issuer, conf.JWTConfig.AccessTokenExpiry)
			tok, err := jwt.GenerateAccessToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
}
