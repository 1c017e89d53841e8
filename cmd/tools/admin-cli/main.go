// admin-cli готовит учётные данные административного API:
//
//	admin-cli secret                       новый HMAC-секрет
//	admin-cli hash -password ...           bcrypt-хеш пароля оператора
//	admin-cli token -secret ... -sub ops   токен без входа по паролю
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/annel0/blockcore/internal/auth"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "использование: admin-cli secret|hash|token [флаги]")
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run(cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "secret":
		secret, err := auth.GenerateSecret()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, secret)
		return nil

	case "hash":
		fs := flag.NewFlagSet("hash", flag.ContinueOnError)
		password := fs.String("password", "", "пароль оператора")
		if err := fs.Parse(args); err != nil {
			return err
		}
		hash, err := auth.HashPassword(*password)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, hash)
		return nil

	case "token":
		fs := flag.NewFlagSet("token", flag.ContinueOnError)
		secret := fs.String("secret", os.Getenv("BLOCKCORE_ADMIN_SECRET"), "секрет API в base64")
		subject := fs.String("sub", "admin", "имя оператора")
		admin := fs.Bool("admin", true, "права администратора")
		ttl := fs.Duration("ttl", 24*time.Hour, "срок действия")
		if err := fs.Parse(args); err != nil {
			return err
		}
		tokens, err := auth.NewTokens(*secret, *ttl)
		if err != nil {
			return err
		}
		token, err := tokens.Generate(*subject, *admin)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, token)
		return nil

	default:
		return fmt.Errorf("неизвестная команда %q", cmd)
	}
}
