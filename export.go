package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// writeEnvLine appends "COOKIE<n>=<cookie>" in the GitHub Actions env-file
// format. Values carrying a newline would corrupt the file and are refused.
func writeEnvLine(w io.Writer, n int, cookie string) error {
	if strings.ContainsAny(cookie, "\r\n") {
		return fmt.Errorf("COOKIE%d: value contains a line break", n)
	}
	_, err := fmt.Fprintf(w, "COOKIE%d=%s\n", n, cookie)
	return err
}

func appendEnvFile(path string, n int, cookie string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := writeEnvLine(f, n, cookie); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ExportLogins logs every credential account in through the browser and
// exports the resulting session as COOKIE<n>, n being the account's
// position. Without an env file the value is only previewed.
func (o *Orchestrator) ExportLogins(ctx context.Context, accounts []Account, envFile string) (*RunSummary, error) {
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}

	summary := &RunSummary{RunID: "login", Started: time.Now()}
	for i, account := range accounts {
		if !account.HasCredentials() {
			continue
		}
		if len(summary.Accounts) > 0 {
			if err := o.pacer.Wait(ctx, o.config.Pacing.Account); err != nil {
				break
			}
		}
		o.logger.Log(T("run_account_header", i+1, len(accounts), account.ID))
		result := o.exportLogin(ctx, i+1, account, envFile)
		summary.Accounts = append(summary.Accounts, result)
		o.metrics.ObserveAccount(result)
	}
	summary.Duration = time.Since(summary.Started)
	return summary, nil
}

func (o *Orchestrator) exportLogin(ctx context.Context, index int, account Account, envFile string) (result AccountSummary) {
	alog := NewAccountLog(account.ID, o.logger, o.config.DebugMode)
	env := &accountEnv{o: o, index: index, account: account, log: alog}
	result = AccountSummary{Index: index, Account: account.ID}
	defer func() {
		env.close(context.WithoutCancel(ctx))
		result.Lines = alog.Lines()
	}()

	page, err := env.loginPage(ctx)
	if err != nil {
		alog.Log(T("run_login_failed", err))
		result.Outcome, result.Err = OutcomeLoginFailed, err
		return result
	}
	session, err := NewSessionAcquirer(o.config, o.store, o.pacer, alog, index).Login(ctx, page, account)
	if err != nil {
		alog.Log(T("run_login_failed", err))
		result.Outcome, result.Err = OutcomeLoginFailed, err
		return result
	}

	cookie := session.String()
	alog.Log(T("export_variable", index))
	if envFile == "" {
		alog.Log(T("export_local_preview", index, maskValue(cookie, 20)))
	} else if err := appendEnvFile(envFile, index, cookie); err != nil {
		alog.Log(T("export_failed", err))
		result.Outcome, result.Err = OutcomeInitFailed, err
		return result
	}
	result.Outcome = OutcomeSuccess
	return result
}
