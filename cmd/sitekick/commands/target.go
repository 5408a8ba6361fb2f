package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/openfroyo/sitekick/pkg/config"
	"github.com/openfroyo/sitekick/pkg/deployment"
	"github.com/openfroyo/sitekick/pkg/engine"
	"github.com/openfroyo/sitekick/pkg/runner"
	"github.com/openfroyo/sitekick/pkg/topology"
)

// Environment variables holding secrets that should not appear on the
// command line.
const (
	envSSHPassword      = "SITEKICK_SSH_PASSWORD"
	envIdentityPassword = "SITEKICK_IDENTITY_PASSWORD"
)

// backendFlags selects how hosts without a task-file declaration are reached.
type backendFlags struct {
	backend         string
	configPath      string
	platformVersion int
	sshAddress      string
	sshPort         int
	sshUser         string
	sshAuth         string
	sshKey          string
	knownHosts      string
	insecure        bool
	sshTimeout      string
}

func (b *backendFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&b.backend, "backend", "", "host backend (file, ssh)")
	fs.StringVar(&b.configPath, "config-path", "", "host config document path (default: platform location)")
	fs.IntVar(&b.platformVersion, "platform-version", 0, "platform major version (default: probe over ssh, 10 for files)")
	fs.StringVar(&b.sshAddress, "ssh-address", "", "ssh address (default: host name)")
	fs.IntVar(&b.sshPort, "ssh-port", 0, "ssh port (default: 22)")
	fs.StringVar(&b.sshUser, "ssh-user", "", "ssh user")
	fs.StringVar(&b.sshAuth, "ssh-auth", "", "ssh auth method (password, key, agent); password is read from "+envSSHPassword)
	fs.StringVar(&b.sshKey, "ssh-key", "", "ssh private key path")
	fs.StringVar(&b.knownHosts, "known-hosts", "", "known_hosts file path")
	fs.BoolVar(&b.insecure, "insecure-ignore-host-key", false, "accept any ssh host key")
	fs.StringVar(&b.sshTimeout, "ssh-timeout", "", "ssh connection timeout (e.g. 30s)")
}

// hostConfig returns the configured backend, or nil when --backend is unset.
func (b *backendFlags) hostConfig() (*config.HostConfig, error) {
	switch config.Backend(b.backend) {
	case "":
		return nil, nil
	case config.BackendFile:
		return &config.HostConfig{
			Backend:         config.BackendFile,
			ConfigPath:      b.configPath,
			PlatformVersion: b.platformVersion,
		}, nil
	case config.BackendSSH:
		if b.sshUser == "" {
			return nil, fmt.Errorf("--ssh-user is required with --backend ssh")
		}
		return &config.HostConfig{
			Backend:         config.BackendSSH,
			ConfigPath:      b.configPath,
			PlatformVersion: b.platformVersion,
			SSH: &config.SSHSettings{
				Address:               b.sshAddress,
				Port:                  b.sshPort,
				User:                  b.sshUser,
				AuthMethod:            b.sshAuth,
				Password:              os.Getenv(envSSHPassword),
				PrivateKeyPath:        b.sshKey,
				KnownHostsPath:        b.knownHosts,
				InsecureIgnoreHostKey: b.insecure,
				ConnectionTimeout:     b.sshTimeout,
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported backend %q", b.backend)
	}
}

// targetFlags describe a single task given on the command line.
type targetFlags struct {
	backendFlags

	host string
	site string
	app  string

	preserveSite bool
	preservePool bool

	path         string
	pool         string
	runtime      string
	pipeline     string
	enable32Bit  bool
	identity     string
	identityUser string
	auth         map[string]string
	disableAuth  bool
	sitePath     string
	sitePort     int

	policyPaths []string
	noPolicy    bool
	output      string
}

func (t *targetFlags) registerTarget(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&t.host, "host", "", "target host")
	fs.StringVar(&t.site, "site", "", "site name")
	fs.StringVar(&t.app, "app", "", "application path (default: site root)")
	_ = cmd.MarkFlagRequired("host")
	_ = cmd.MarkFlagRequired("site")
	t.backendFlags.register(fs)
	fs.StringVarP(&t.output, "output", "o", outputText, "output format (text, json, yaml)")
}

func (t *targetFlags) registerInstall(fs *pflag.FlagSet) {
	fs.StringVar(&t.path, "path", "", "physical path of the application")
	fs.StringVar(&t.pool, "pool", "", "application pool (default: site name)")
	fs.StringVar(&t.runtime, "runtime", "", "managed runtime version (v2.0, v4.0)")
	fs.StringVar(&t.pipeline, "pipeline", "", "managed pipeline mode (Integrated, Classic)")
	fs.BoolVar(&t.enable32Bit, "enable-32bit", false, "run the pool as a 32-bit process")
	fs.StringVar(&t.identity, "identity", "", "pool identity (LocalSystem, LocalService, NetworkService, ApplicationPoolIdentity, SpecificUser)")
	fs.StringVar(&t.identityUser, "identity-user", "", "user of a SpecificUser identity; password is read from "+envIdentityPassword)
	fs.StringToStringVar(&t.auth, "auth", nil, "authentication toggles (e.g. anonymous=false,windows=true)")
	fs.BoolVar(&t.disableAuth, "disable-all-auth", false, "disable every authentication mode not enabled by --auth")
	fs.StringVar(&t.sitePath, "site-path", "", "physical path of a site created by install")
	fs.IntVar(&t.sitePort, "site-port", 0, "http port of a site created by install (default: 80)")
}

func (t *targetFlags) registerUninstall(fs *pflag.FlagSet) {
	fs.BoolVar(&t.preserveSite, "preserve-site", false, "keep the site even when its last application is removed")
	fs.BoolVar(&t.preservePool, "preserve-pool", false, "keep the application pool even when nothing uses it")
}

func (t *targetFlags) registerPolicy(fs *pflag.FlagSet) {
	fs.StringSliceVar(&t.policyPaths, "policy", nil, "additional policy files or directories")
	fs.BoolVar(&t.noPolicy, "no-policy", false, "skip policy evaluation")
}

// task builds the task described by the flags.
func (t *targetFlags) task(action engine.Action) (config.TaskConfig, error) {
	task := config.TaskConfig{
		ID:           string(action),
		Action:       action,
		Host:         t.host,
		Site:         t.site,
		Application:  t.app,
		PreserveSite: t.preserveSite,
		PreservePool: t.preservePool,
	}
	if action != engine.ActionInstall {
		return task, nil
	}

	task.PhysicalPath = t.path
	task.Pool = t.pool
	task.RuntimeVersion = t.runtime
	task.PipelineMode = t.pipeline
	task.Enable32Bit = t.enable32Bit
	task.SitePhysicalPath = t.sitePath
	task.SitePort = t.sitePort
	if t.identity != "" {
		task.Identity = &config.IdentityConfig{
			Type:     t.identity,
			Username: t.identityUser,
			Password: os.Getenv(envIdentityPassword),
		}
	}

	auth := make(map[string]bool)
	if t.disableAuth {
		for _, mode := range topology.AuthenticationModes() {
			auth[string(mode)] = false
		}
	}
	for mode, value := range t.auth {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return task, fmt.Errorf("invalid --auth value for %s: %w", mode, err)
		}
		auth[mode] = enabled
	}
	if len(auth) > 0 {
		task.Authentication = auth
	}
	return task, nil
}

// taskFile wraps the task in a validated task file and returns the backend
// of its host. Without --backend the host is reached through the local disk.
func (t *targetFlags) taskFile(action engine.Action) (*config.TaskFile, *config.HostConfig, error) {
	task, err := t.task(action)
	if err != nil {
		return nil, nil, err
	}
	hc, err := t.hostConfig()
	if err != nil {
		return nil, nil, err
	}
	if hc == nil {
		hc = &config.HostConfig{Backend: config.BackendFile}
	}

	file := &config.TaskFile{Name: "cli", Tasks: []config.TaskConfig{task}}
	if !t.noPolicy {
		file.Policy = &config.PolicyConfig{Enabled: true, Builtin: true, Paths: t.policyPaths}
	}
	if errs := config.NewCUEParser().Validate(file); len(errs) > 0 {
		return nil, nil, validationError(errs)
	}
	return file, hc, nil
}

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	var (
		flags  targetFlags
		action string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a target without changing it",
		Long: `Verify reads a host's configuration and reports whether the target site,
application and application pool exist. It never changes the host and its
alerts never block a later install or uninstall.`,
		Example: `  # Check an application before removing it
  sitekick verify --host web01 --site Shop --app api

  # Check an install target on a remote host
  sitekick verify --action install --host web01 --site Shop --app api \
    --path 'D:\sites\api' --backend ssh --ssh-user deploy`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutput(flags.output, outputText, outputJSON, outputYAML); err != nil {
				return err
			}
			act := engine.Action(action)
			if act != engine.ActionInstall && act != engine.ActionUninstall {
				return fmt.Errorf("--action must be install or uninstall, got %q", action)
			}
			task, err := flags.task(act)
			if err != nil {
				return err
			}
			hc, err := flags.hostConfig()
			if err != nil {
				return err
			}
			if hc == nil {
				hc = &config.HostConfig{Backend: config.BackendFile}
			}

			ctx := cmd.Context()
			tel, err := opts.newTelemetry("")
			if err != nil {
				return err
			}
			defer func() { _ = tel.Shutdown(ctx) }()

			hosts := runner.NewHosts()
			defer func() { _ = hosts.Close() }()
			if err := hosts.Add(task.Host, *hc); err != nil {
				return err
			}

			r, err := runner.New(runner.Options{Accessor: hosts.Accessor(), Telemetry: tel})
			if err != nil {
				return err
			}
			result, err := r.Reconciler().Verify(ctx, task.Intent())
			if printErr := printResult(cmd.OutOrStdout(), result, flags.output); printErr != nil {
				return printErr
			}
			if err != nil {
				return err
			}
			log.Debug().Int("alerts", result.Count(deployment.KindAlert)).Msg("Verification finished")
			return nil
		},
	}

	flags.registerTarget(cmd)
	flags.registerInstall(cmd.Flags())
	cmd.Flags().StringVar(&action, "action", string(engine.ActionUninstall), "intent to verify (install, uninstall)")

	return cmd
}

func newInstallCommand(opts *rootOptions) *cobra.Command {
	var flags targetFlags

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install or update an application",
		Long: `Install makes sure the site, the application pool and the application
exist and match the given settings. Existing resources are updated in place;
running it twice changes nothing the second time.`,
		Example: `  # Install an application into its own pool
  sitekick install --host web01 --site Shop --app api --path 'D:\sites\api' --pool ShopApi

  # Classic pipeline on the 2.0 runtime with windows authentication only
  sitekick install --host web01 --site Legacy --app portal --path 'D:\sites\portal' \
    --runtime v2.0 --pipeline Classic --disable-all-auth --auth windows=true`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.execute(cmd, opts, engine.ActionInstall)
		},
	}

	flags.registerTarget(cmd)
	flags.registerInstall(cmd.Flags())
	flags.registerPolicy(cmd.Flags())

	return cmd
}

func newUninstallCommand(opts *rootOptions) *cobra.Command {
	var flags targetFlags

	cmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove an application",
		Long: `Uninstall removes an application from its site. The application's pool is
removed when nothing else uses it, and the site is removed when it has no
applications left. Missing resources are reported, not treated as errors.`,
		Example: `  # Remove an application and clean up after it
  sitekick uninstall --host web01 --site Shop --app legacy

  # Remove an application but keep its pool and site
  sitekick uninstall --host web01 --site Shop --app legacy --preserve-pool --preserve-site`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.execute(cmd, opts, engine.ActionUninstall)
		},
	}

	flags.registerTarget(cmd)
	flags.registerUninstall(cmd.Flags())
	flags.registerPolicy(cmd.Flags())

	return cmd
}

// execute runs a single-task file built from the flags.
func (t *targetFlags) execute(cmd *cobra.Command, opts *rootOptions, action engine.Action) error {
	if err := checkOutput(t.output, outputText, outputJSON, outputYAML); err != nil {
		return err
	}
	file, hc, err := t.taskFile(action)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	s, err := opts.openSession(ctx, "")
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close session")
		}
	}()

	report, err := opts.runTaskFile(ctx, s, file, runOptions{fallback: hc, output: t.output, out: cmd.OutOrStdout()})
	if err != nil {
		return err
	}
	if !report.Successful {
		return errRunFailed
	}
	return nil
}
