package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mastodon-ml/relay/internal/db"
)

// editableKeys are the runtime settings exposed through `config list`.
// The signing key and schema version stay out of view.
var editableKeys = []string{
	"name",
	"note",
	"theme",
	"log-level",
	"approval-required",
	"whitelist-enabled",
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and change runtime settings",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every editable setting",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			tw := newTable()
			for _, key := range editableKeys {
				value, err := store.GetConfig(key)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\n", key, value)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			value, err := store.PutConfig(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s = %s\n", db.NormalizeConfigKey(args[0]), value)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset <key>",
		Short: "Restore a setting to its default",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DelConfig(args[0]); err != nil {
				return err
			}
			value, err := store.GetConfig(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s = %s\n", db.NormalizeConfigKey(args[0]), value)
			return nil
		},
	})

	return cmd
}

func instanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instance",
		Short: "Manage subscribed instances",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every subscribed instance",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			instances, err := store.GetInboxes()
			if err != nil {
				return err
			}

			tw := newTable()
			fmt.Fprintln(tw, "DOMAIN\tSOFTWARE\tACCEPTED\tINBOX")
			for _, inst := range instances {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n",
					inst.Domain, inst.Software, inst.Accepted, inst.Inbox)
			}
			return tw.Flush()
		},
	})

	var actor, inbox, software string
	add := &cobra.Command{
		Use:   "add <domain>",
		Short: "Subscribe an instance without the follow handshake",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			domain := db.NormalizeDomain(args[0])
			if _, err := store.GetInbox(domain); err == nil {
				return fmt.Errorf("instance %s already in database", domain)
			}

			if inbox == "" {
				inbox = "https://" + domain + "/inbox"
			}
			upd := db.InboxUpdate{Inbox: &inbox, Accepted: db.Ptr(true)}
			if actor != "" {
				upd.Actor = &actor
			}
			if software != "" {
				upd.Software = &software
			}
			inst, err := store.PutInbox(domain, upd)
			if err != nil {
				return err
			}
			fmt.Printf("added %s (%s)\n", inst.Domain, inst.Inbox)
			return nil
		},
	}
	add.Flags().StringVar(&actor, "actor", "", "actor URL")
	add.Flags().StringVar(&inbox, "inbox", "", "inbox URL (default https://<domain>/inbox)")
	add.Flags().StringVar(&software, "software", "", "nodeinfo software name")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <domain>",
		Short: "Drop an instance from the relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DelInbox(args[0]); err != nil {
				return err
			}
			fmt.Println("removed", args[0])
			return nil
		},
	})

	return cmd
}

func whitelistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whitelist",
		Short: "Manage the follow whitelist",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every whitelisted domain",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.GetWhitelists()
			if err != nil {
				return err
			}
			for _, row := range rows {
				fmt.Println(row.Domain)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <domain>",
		Short: "Whitelist a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			row, err := store.PutWhitelist(args[0])
			if err != nil {
				return err
			}
			fmt.Println("whitelisted", row.Domain)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <domain>",
		Short: "Remove a domain from the whitelist",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DelWhitelist(args[0]); err != nil {
				return err
			}
			fmt.Println("removed", args[0])
			return nil
		},
	})

	return cmd
}

func banCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ban",
		Short: "Manage domain bans",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every banned domain",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			bans, err := store.GetDomainBans()
			if err != nil {
				return err
			}

			tw := newTable()
			fmt.Fprintln(tw, "DOMAIN\tREASON")
			for _, ban := range bans {
				fmt.Fprintf(tw, "%s\t%s\n", ban.Domain, ban.Reason)
			}
			return tw.Flush()
		},
	})

	var reason, note string
	add := &cobra.Command{
		Use:   "add <domain>",
		Short: "Ban a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ban, err := store.PutDomainBan(args[0], reason, note)
			if err != nil {
				return err
			}
			fmt.Println("banned", ban.Domain)
			return nil
		},
	}
	add.Flags().StringVar(&reason, "reason", "", "public ban reason")
	add.Flags().StringVar(&note, "note", "", "private moderation note")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <domain>",
		Short: "Lift a domain ban",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DelDomainBan(args[0]); err != nil {
				return err
			}
			fmt.Println("unbanned", args[0])
			return nil
		},
	})

	return cmd
}

func softwareCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "software",
		Short: "Manage software bans",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every banned software name",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			bans, err := store.GetSoftwareBans()
			if err != nil {
				return err
			}

			tw := newTable()
			fmt.Fprintln(tw, "NAME\tREASON")
			for _, ban := range bans {
				fmt.Fprintf(tw, "%s\t%s\n", ban.Name, ban.Reason)
			}
			return tw.Flush()
		},
	})

	var reason, note string
	add := &cobra.Command{
		Use:   "add <name>",
		Short: "Ban peers running the named software",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ban, err := store.PutSoftwareBan(args[0], reason, note)
			if err != nil {
				return err
			}
			fmt.Println("banned", ban.Name)
			return nil
		},
	}
	add.Flags().StringVar(&reason, "reason", "", "public ban reason")
	add.Flags().StringVar(&note, "note", "", "private moderation note")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <name>",
		Short: "Lift a software ban",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DelSoftwareBan(args[0]); err != nil {
				return err
			}
			fmt.Println("unbanned", args[0])
			return nil
		},
	})

	return cmd
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage admin API accounts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every account",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			users, err := store.GetUsers()
			if err != nil {
				return err
			}

			tw := newTable()
			fmt.Fprintln(tw, "USERNAME\tHANDLE\tCREATED")
			for _, user := range users {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", user.Username, user.Handle, user.Created)
			}
			return tw.Flush()
		},
	})

	var password, handle string
	create := &cobra.Command{
		Use:   "create <username>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("a password is required (--password)")
			}
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			user, err := store.PutUser(args[0], password, handle)
			if err != nil {
				return err
			}
			fmt.Println("created", user.Username)
			return nil
		},
	}
	create.Flags().StringVarP(&password, "password", "p", "", "account password")
	create.Flags().StringVar(&handle, "handle", "", "fediverse handle for contact")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <username>",
		Short: "Delete an account and its tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DelUser(args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	})

	return cmd
}
