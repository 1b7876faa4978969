package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/angariumd/hcmp/internal/config"
	"github.com/angariumd/hcmp/internal/events"
	"github.com/angariumd/hcmp/internal/history"
	"github.com/angariumd/hcmp/internal/models"
	"github.com/angariumd/hcmp/internal/netutils"
)

var (
	controllerURL string
	token         string
	insecure      bool
)

type machineRow struct {
	VMName      string `json:"vm_name"`
	IPAddress   string `json:"ip_address"`
	ProjectName string `json:"project_name"`
	Owner       string `json:"owner"`
	Status      string `json:"status"`
}

type templateRow struct {
	Name     string `json:"name"`
	Machines int    `json:"machines"`
}

type provisionResult struct {
	Status      string   `json:"status"`
	JobID       int64    `json:"job_id"`
	AssignedIPs []string `json:"assigned_ips"`
	Message     string   `json:"message"`
}

func main() {
	cfg, err := config.LoadCLIConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not read cli config: %v\n", err)
		cfg = &config.CLIConfig{}
	}
	controllerURL = firstNonEmpty(os.Getenv("HCMP_CONTROLLER"), cfg.ControllerURL, "http://localhost:8080")
	token = firstNonEmpty(os.Getenv("HCMP_TOKEN"), cfg.Token)

	rootCmd := &cobra.Command{Use: "hcmp", Short: "H-CMP command line client", SilenceUsage: true}
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")

	loginCmd := &cobra.Command{
		Use:   "login [controller-url] [token]",
		Short: "Save the controller address and token to ~/.hcmp.yaml",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			controllerURL, token = args[0], args[1]
			var me models.User
			if err := client().Do(cmd.Context(), "GET", "/v1/whoami", nil, &me); err != nil {
				return fmt.Errorf("verifying token: %w", err)
			}
			if err := config.SaveCLIConfig(&config.CLIConfig{ControllerURL: controllerURL, Token: token}); err != nil {
				return err
			}
			fmt.Printf("Logged in as %s (%s)\n", me.Name, me.Role)
			return nil
		},
	}

	whoamiCmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the user behind the current token",
		RunE: func(cmd *cobra.Command, args []string) error {
			var me models.User
			if err := client().Do(cmd.Context(), "GET", "/v1/whoami", nil, &me); err != nil {
				return err
			}
			fmt.Printf("%s (%s) role=%s\n", me.Name, me.ID, me.Role)
			return nil
		},
	}

	poolCmd := &cobra.Command{
		Use:   "pool",
		Short: "List pool machines",
		RunE:  listPool,
	}

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List provisioning jobs",
		RunE:  listJobs,
	}

	templatesCmd := &cobra.Command{
		Use:   "templates",
		Short: "List stack templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []templateRow
			if err := client().Do(cmd.Context(), "GET", "/v1/templates", nil, &rows); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TEMPLATE\tMACHINES")
			for _, t := range rows {
				fmt.Fprintf(w, "%s\t%d\n", t.Name, t.Machines)
			}
			return w.Flush()
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show estimated resource usage (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var u history.Usage
			if err := client().Do(cmd.Context(), "GET", "/v1/stats", nil, &u); err != nil {
				return err
			}
			fmt.Printf("Projects: %d\nvCPU:     %d\nMemory:   %d GB\n", u.Jobs, u.VCPU, u.Memory)
			return nil
		},
	}

	var (
		template    string
		environment string
		packages    []string
		owner       string
		follow      bool
	)
	submitCmd := &cobra.Command{
		Use:   "submit [service-name]",
		Short: "Provision a stack on pool machines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]any{
				"serviceName": args[0],
				"userName":    owner,
				"config": map[string]any{
					"template":    template,
					"environment": environment,
					"packages":    packages,
				},
				"targetInfra": map[string]any{},
			}
			var res provisionResult
			if err := client().Do(cmd.Context(), "POST", "/v1/provision", req, &res); err != nil {
				var apiErr *netutils.APIError
				if errors.As(err, &apiErr) && apiErr.Needed != nil {
					return fmt.Errorf("pool exhausted: %d machines needed, %d available", *apiErr.Needed, *apiErr.Available)
				}
				return err
			}
			fmt.Printf("Job #%d accepted on %s\n", res.JobID, strings.Join(res.AssignedIPs, ", "))
			if !follow {
				return nil
			}
			return followJob(cmd.Context(), res.JobID)
		},
	}
	submitCmd.Flags().StringVarP(&template, "template", "t", "single", "stack template")
	submitCmd.Flags().StringVarP(&environment, "env", "e", "dev", "environment type")
	submitCmd.Flags().StringSliceVarP(&packages, "package", "p", nil, "package to install (repeatable)")
	submitCmd.Flags().StringVar(&owner, "owner", "", "display name recorded on the machines")
	submitCmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream the job log until it completes")

	deleteCmd := &cobra.Command{
		Use:   "delete [job-id]",
		Short: "Delete a job and release its machines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res map[string]string
			if err := client().Do(cmd.Context(), "DELETE", "/v1/provision/"+args[0], nil, &res); err != nil {
				return err
			}
			fmt.Println(res["message"])
			return nil
		},
	}

	var jobID int64
	logsCmd := &cobra.Command{
		Use:   "logs [job-id]",
		Short: "Stream a job's playbook output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := fmt.Sscan(args[0], &jobID); err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			return followJob(cmd.Context(), jobID)
		},
	}

	alarmsCmd := &cobra.Command{
		Use:   "alarms",
		Short: "Print job notifications as they arrive",
		RunE:  watchAlarms,
	}

	rootCmd.AddCommand(loginCmd, whoamiCmd, poolCmd, jobsCmd, templatesCmd, statsCmd, submitCmd, deleteCmd, logsCmd, alarmsCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func client() *netutils.Client {
	return netutils.NewClient(controllerURL, token, insecure)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func listPool(cmd *cobra.Command, args []string) error {
	var rows []machineRow
	if err := client().Do(cmd.Context(), "GET", "/v1/pool", nil, &rows); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VM\tADDRESS\tSTATUS\tPROJECT\tOWNER")
	for _, m := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.VMName, m.IPAddress, m.Status, m.ProjectName, m.Owner)
	}
	return w.Flush()
}

func listJobs(cmd *cobra.Command, args []string) error {
	var jobs []models.Job
	if err := client().Do(cmd.Context(), "GET", "/v1/jobs", nil, &jobs); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSERVICE\tTEMPLATE\tSTATUS\tOWNER\tADDRESSES\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.ServiceName, j.Template, j.Status, j.Owner, j.AssignedIPs, j.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

var markerText = map[string]string{
	events.MarkerStarted: "[1/4] playbook started",
	events.MarkerFacts:   "[2/4] gathering facts",
	events.MarkerBooted:  "[3/4] waiting for machines to boot",
	events.MarkerRecap:   "[4/4] play recap",
}

// followJob prints the job stream until the completion marker. Repeated
// messages are printed once.
func followJob(ctx context.Context, id int64) error {
	conn, err := client().Dial(ctx, fmt.Sprintf("/ws/logs/%d", id))
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	seen := map[string]bool{}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		msg := string(data)
		if msg == events.MarkerComplete {
			fmt.Println("deployment finished, check `hcmp jobs` for the result")
			return nil
		}
		if text, ok := markerText[msg]; ok {
			if seen[msg] {
				continue
			}
			seen[msg] = true
			msg = text
		}
		fmt.Println(msg)
	}
}

func watchAlarms(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	var me models.User
	c := client()
	if err := c.Do(ctx, "GET", "/v1/whoami", nil, &me); err != nil {
		return err
	}

	conn, err := c.Dial(ctx, "/ws/alarms/"+me.ID)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		var alarm events.Alarm
		if err := json.Unmarshal(data, &alarm); err != nil {
			continue
		}
		fmt.Printf("%s [%s] %s\n", alarm.Timestamp, strings.ToUpper(alarm.Level), alarm.Message)
	}
}
