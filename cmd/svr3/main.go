// Command svr3 backs up and restores a secret with a quorum of attested
// replicas. The password never leaves the client; replicas only hold masked
// shares and a try counter.
//
// Share sets returned by backups are persisted to the configured storage
// backends and addressed by their content id:
//
//	svr3 --env prod.json --user alice --storage file:///var/lib/svr backup --password ...
//	svr3 --env prod.json --user alice --storage file:///var/lib/svr restore --shareset-id <id> --password ...
package main

import (
	"log"
	"os"
	"time"

	"github.com/ruteri/tee-secure-value-recovery/cmd/flags"
	"github.com/ruteri/tee-secure-value-recovery/cryptoutils"
	"github.com/ruteri/tee-secure-value-recovery/enclave"
	"github.com/urfave/cli/v2"
)

var quorumFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "env",
		Usage:   "path to a JSON environment file",
		EnvVars: []string{"SVR_ENV"},
	},
	&cli.StringFlag{
		Name:    "env-id",
		Usage:   "content id of an environment published to storage",
		EnvVars: []string{"SVR_ENV_ID"},
	},
	&cli.StringFlag{
		Name:    "srv-domain",
		Usage:   "discover replicas from the SRV records of this domain",
		EnvVars: []string{"SVR_SRV_DOMAIN"},
	},
	&cli.StringFlag{
		Name:  "dns-server",
		Value: enclave.DefaultResolver,
		Usage: "DNS server used for SRV discovery",
	},
	&cli.StringFlag{
		Name:  "replica-scheme",
		Value: "https",
		Usage: "URL scheme of discovered replicas",
	},
	&cli.IntFlag{
		Name:  "threshold",
		Usage: "restore threshold of discovered replicas",
	},
	&cli.StringFlag{
		Name:  "attestation-type",
		Value: cryptoutils.DCAPAttestation.StringID,
		Usage: "attestation required from discovered replicas",
	},
	&cli.StringFlag{
		Name:  "measurements",
		Usage: "JSON file of register index to hex value every discovered replica must attest to",
	},
	&cli.StringFlag{
		Name:    "user",
		Usage:   "user the backup belongs to",
		EnvVars: []string{"SVR_USER"},
	},
	&cli.StringFlag{
		Name:    "replica-password",
		Usage:   "password authenticating the user to the replicas",
		EnvVars: []string{"SVR_REPLICA_PASSWORD"},
	},
	&cli.DurationFlag{
		Name:  "timeout",
		Value: 30 * time.Second,
		Usage: "timeout of each replica request",
	},
	&cli.IntFlag{
		Name:  "retries",
		Value: 4,
		Usage: "attempts for operations failing on connection errors; restores are never retried",
	},
}

var storageFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:    "storage",
		Usage:   "storage backend URI for share sets and environments, repeatable",
		EnvVars: []string{"SVR_STORAGE"},
	},
	&cli.StringFlag{
		Name:  "vault-cert",
		Usage: "PEM client certificate for vault:// backends",
	},
	&cli.StringFlag{
		Name:  "vault-key",
		Usage: "PEM client key for vault:// backends",
	},
}

var passwordFlag = &cli.StringFlag{
	Name:     "password",
	Required: true,
	Usage:    "password protecting the secret",
	EnvVars:  []string{"SVR_PASSWORD"},
}

var shareSetFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "shareset-id",
		Usage: "content id of a share set in storage",
	},
	&cli.StringFlag{
		Name:  "shareset",
		Usage: "base64 share set, as printed by backup --print-shareset",
	},
}

func appFlags() []cli.Flag {
	all := append([]cli.Flag{}, quorumFlags...)
	all = append(all, storageFlags...)
	all = append(all, flags.LogFlags...)
	return append(all, flags.LogServiceFlagFn("svr3"))
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "svr3",
		Usage: "Secure value recovery client",
		Flags: appFlags(),
		Commands: []*cli.Command{
			{
				Name:  "backup",
				Usage: "Back up a secret, replacing the user's previous backup",
				Flags: []cli.Flag{
					passwordFlag,
					&cli.StringFlag{
						Name:    "secret",
						Usage:   "hex-encoded 32-byte secret, generated when empty",
						EnvVars: []string{"SVR_SECRET"},
					},
					&cli.Uint64Flag{
						Name:  "max-tries",
						Value: 10,
						Usage: "restore attempts allowed before the backup is destroyed",
					},
					&cli.BoolFlag{
						Name:  "print-shareset",
						Usage: "print the share set in addition to storing it",
					},
				},
				Action: backupAction,
			},
			{
				Name:   "restore",
				Usage:  "Restore a secret, consuming one try on every replica",
				Flags:  append([]cli.Flag{passwordFlag}, shareSetFlags...),
				Action: restoreAction,
			},
			{
				Name:   "query",
				Usage:  "Show the restore attempts left",
				Action: queryAction,
			},
			{
				Name:   "remove",
				Usage:  "Delete the backup from every replica",
				Flags:  shareSetFlags,
				Action: removeAction,
			},
			{
				Name:  "publish-env",
				Usage: "Validate an environment file and publish it to storage",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Required: true,
						Usage:    "environment file to publish",
					},
				},
				Action: publishEnvAction,
			},
		},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
