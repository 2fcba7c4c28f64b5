package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/glkvm-cloud/device-console/internal/auth"
	"github.com/glkvm-cloud/device-console/internal/config"
	"github.com/glkvm-cloud/device-console/internal/domain"
	"github.com/glkvm-cloud/device-console/internal/logger"
	"github.com/glkvm-cloud/device-console/pkg/deviceapi"
	"github.com/glkvm-cloud/device-console/pkg/httpclient"
	"github.com/spf13/pflag"
)

// cli bundles what every subcommand needs.
type cli struct {
	cfg   *config.Config
	flags *pflag.FlagSet
	api   *deviceapi.API
	out   io.Writer
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := newFlagSet(os.Stderr)
	if err := flags.Parse(args); err != nil {
		return err
	}
	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return fmt.Errorf("missing command")
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.OutputFormat != "json" && cfg.OutputFormat != "yaml" {
		return fmt.Errorf("unsupported output format %q", cfg.OutputFormat)
	}

	c := &cli{cfg: cfg, flags: flags, out: stdout}
	c.api = deviceapi.New(newTransport(cfg, flags))

	name, params := rest[0], rest[1:]
	switch name {
	case "list":
		return c.list(ctx, params)
	case "script":
		return c.script(ctx)
	case "exec":
		return c.exec(ctx, params, flags.ArgsLenAtDash())
	case "describe":
		return c.describe(ctx, params)
	case "delete":
		return c.delete(ctx, params)
	case "token":
		return c.token()
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", name)
	}
}

func newTransport(cfg *config.Config, flags *pflag.FlagSet) httpclient.Client {
	opts := httpclient.Options{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.HTTPTimeout,
		Token:   cfg.APIToken,
	}
	if debug, _ := flags.GetBool("debug"); debug {
		if sugar, err := logger.Init(cfg); err == nil {
			opts.Logger = sugar
			opts.Debug = true
		}
	}
	return httpclient.NewRestyClientWithOptions(opts)
}

// list filters client side; the keyword is matched like the console does.
func (c *cli) list(ctx context.Context, args []string) error {
	devices, err := c.api.ListDevices(ctx)
	if err != nil {
		return describeErr("list devices", err)
	}
	if len(args) > 0 {
		devices = filterDevices(devices, args[0])
	}
	return render(c.out, c.cfg.OutputFormat, devices)
}

func filterDevices(devices []domain.DeviceInfo, keyword string) []domain.DeviceInfo {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return devices
	}
	out := make([]domain.DeviceInfo, 0, len(devices))
	lower := strings.ToLower(keyword)
	mac := domain.NormalizeMac(keyword)
	for _, d := range devices {
		if d.ID == keyword || (mac != "" && domain.NormalizeMac(d.Mac) == mac) ||
			strings.Contains(strings.ToLower(d.Description), lower) {
			out = append(out, d)
		}
	}
	return out
}

func (c *cli) script(ctx context.Context) error {
	info, err := c.api.AddDeviceScriptInfo(ctx)
	if err != nil {
		return describeErr("get script info", err)
	}
	return render(c.out, c.cfg.OutputFormat, info)
}

// exec expects `<id> -- <cmd> [args...]`; the dash is optional when the
// command takes no flags of its own.
func (c *cli) exec(ctx context.Context, args []string, dashAt int) error {
	params, err := execParams(args, dashAt)
	if err != nil {
		return err
	}
	params.Group, _ = c.flags.GetString("group")
	params.Wait, _ = c.flags.GetBool("wait")
	params.Username, _ = c.flags.GetString("user")
	params.Password, _ = c.flags.GetString("password")

	resp, err := c.api.ExecuteCommand(ctx, params)
	if err != nil {
		return describeErr("execute command", err)
	}
	return renderResponse(c.out, c.cfg.OutputFormat, resp)
}

// execParams splits positional args. dashAt counts the leading "exec" word, as
// returned by pflag's ArgsLenAtDash over the full argument list.
func execParams(args []string, dashAt int) (domain.ExecuteCommandParams, error) {
	if len(args) < 2 {
		return domain.ExecuteCommandParams{}, fmt.Errorf("usage: devctl exec <id> -- <cmd> [args...]")
	}
	if dashAt >= 0 && dashAt-1 != 1 {
		return domain.ExecuteCommandParams{}, fmt.Errorf("exec takes exactly one device id before --")
	}
	params := domain.ExecuteCommandParams{
		ID:  args[0],
		Cmd: args[1],
	}
	if len(args) > 2 {
		params.Params = append([]string(nil), args[2:]...)
	}
	return params, nil
}

func (c *cli) describe(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: devctl describe <id> <text>")
	}
	resp, err := c.api.EditDescription(ctx, domain.EditDescriptionRequest{
		DeviceID:    args[0],
		Description: strings.Join(args[1:], " "),
	})
	if err != nil {
		return describeErr("edit description", err)
	}
	return renderResponse(c.out, c.cfg.OutputFormat, resp)
}

func (c *cli) delete(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: devctl delete <id>")
	}
	resp, err := c.api.DeleteDevice(ctx, domain.DeleteDeviceRequest{DeviceID: args[0]})
	if err != nil {
		return describeErr("delete device", err)
	}
	return renderResponse(c.out, c.cfg.OutputFormat, resp)
}

func (c *cli) token() error {
	signer := auth.NewSigner(c.cfg.AuthSecret, c.cfg.AuthIssuer, c.cfg.AuthTTL)
	subject, _ := c.flags.GetString("subject")
	tok, err := signer.Sign(subject, auth.RoleOperator)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	_, err = fmt.Fprintln(c.out, tok)
	return err
}

// describeErr adds the console's error message to HTTP status failures.
func describeErr(op string, err error) error {
	var se *httpclient.StatusError
	if errors.As(err, &se) {
		return fmt.Errorf("%s: console returned %d: %s", op, se.Code, consoleMessage(se.Body))
	}
	return fmt.Errorf("%s: %w", op, err)
}
