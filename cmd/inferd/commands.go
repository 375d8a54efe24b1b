package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loykin/inferd"
	"github.com/prometheus/client_golang/prometheus"
)

type command struct{}

// Serve runs the daemon: it starts the managed server, exposes the control
// API and stops everything on SIGINT/SIGTERM.
func (command) Serve(flags *ServeFlags) error {
	cfg, err := inferd.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	mgr := inferd.NewManagerWithLog(cfg.Manager, cfg.Log)
	defer func() { _ = mgr.Shutdown() }()

	if cfg.History.DSN != "" {
		if err := mgr.SetHistoryDSN(cfg.History.DSN); err != nil {
			return fmt.Errorf("history sink: %w", err)
		}
	}
	if err := inferd.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	clientCfg := cfg.Client
	if clientCfg.BaseURL == "" {
		clientCfg.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	}
	cli := inferd.NewClientWithLog(clientCfg, cfg.Log)
	cli.SetHistory(mgr.History())
	stopWatch := cli.WatchManager(mgr)
	defer stopWatch()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := mgr.Start(ctx, cfg.Server); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	fmt.Printf("server %s ready on %s\n", cfg.Server.Name, mgr.BaseURL())

	listen := cfg.API.Listen
	if listen == "" {
		listen = "127.0.0.1:8989"
	}
	api := inferd.NewHTTPServer(listen, "", mgr, cli)
	fmt.Printf("control API listening on %s\n", listen)

	<-ctx.Done()
	fmt.Println("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = api.Shutdown(shutdownCtx)
	return mgr.Stop(0)
}

// Validate checks an installation directory locally.
func (command) Validate(flags *ValidateFlags) error {
	mgr := inferd.NewManager(inferd.ManagerConfig{})
	defer func() { _ = mgr.Shutdown() }()
	if err := mgr.Validate(flags.InstallDir, flags.EntryPoint); err != nil {
		return err
	}
	fmt.Printf("installation %s looks valid\n", flags.InstallDir)
	return nil
}

// Start asks a running daemon to launch the server. Blocks until the daemon
// reports it ready (or fails).
func (command) Start(flags *StartFlags) error {
	spec := inferd.Spec{
		Name:        flags.Name,
		InstallDir:  flags.InstallDir,
		EntryPoint:  flags.EntryPoint,
		Launcher:    flags.Launcher,
		Port:        flags.Port,
		BackendArgs: flags.Args,
	}
	c := NewAPIClient(flags.API.URL, flags.API.Timeout)
	var st inferd.Status
	if err := c.post("/server/start", spec, &st); err != nil {
		return err
	}
	fmt.Printf("server running on %s\n", st.BaseURL)
	return nil
}

func (command) Status(flags *APIFlags) error {
	c := NewAPIClient(flags.URL, flags.Timeout)
	var st inferd.Status
	if err := c.get("/server/status", &st); err != nil {
		return err
	}
	return printJSON(st)
}

func (command) Stop(flags *StopFlags) error {
	c := NewAPIClient(flags.API.URL, flags.API.Timeout)
	path := "/server/stop"
	if flags.Grace > 0 {
		path += "?grace=" + flags.Grace.String()
	}
	if err := c.post(path, nil, nil); err != nil {
		return err
	}
	fmt.Println("server stopped")
	return nil
}

func (command) Submit(flags *SubmitFlags) error {
	workflow, err := os.ReadFile(filepath.Clean(flags.File))
	if err != nil {
		return fmt.Errorf("read workflow: %w", err)
	}
	if !json.Valid(workflow) {
		return fmt.Errorf("workflow %s is not valid JSON", flags.File)
	}

	c := NewAPIClient(flags.API.URL, flags.API.Timeout)
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.post("/jobs", json.RawMessage(workflow), &resp); err != nil {
		return err
	}
	fmt.Println(resp.ID)

	if !flags.Wait {
		return nil
	}
	return awaitJob(c, resp.ID)
}

func (command) Await(flags *JobFlags) error {
	c := NewAPIClient(flags.API.URL, flags.API.Timeout)
	return awaitJob(c, flags.ID)
}

// awaitJob polls the daemon until the job is terminal. The daemon refreshes
// from the inference server on every read, so a plain loop suffices here.
func awaitJob(c *APIClient, id string) error {
	for {
		var jv struct {
			Status   string  `json:"status"`
			Progress float64 `json:"progress"`
			Error    string  `json:"error"`
		}
		if err := c.get("/jobs/"+id, &jv); err != nil {
			return err
		}
		switch jv.Status {
		case "completed":
			fmt.Printf("job %s completed\n", id)
			return nil
		case "failed":
			if jv.Error != "" {
				return fmt.Errorf("job %s failed: %s", id, jv.Error)
			}
			return fmt.Errorf("job %s failed", id)
		}
		fmt.Printf("job %s %s %.0f%%\n", id, jv.Status, jv.Progress*100)
		time.Sleep(time.Second)
	}
}

func (command) Fetch(flags *FetchFlags) error {
	dest := flags.Dest
	if !filepath.IsAbs(dest) {
		abs, err := filepath.Abs(dest)
		if err != nil {
			return err
		}
		dest = abs
	}
	c := NewAPIClient(flags.API.URL, flags.API.Timeout)
	var ref inferd.ArtifactRef
	if err := c.post("/jobs/"+flags.ID+"/fetch", map[string]string{"dest": dest}, &ref); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d bytes, sha256 %s)\n", dest, ref.Size, ref.SHA256)
	return nil
}

func (command) Logs(flags *APIFlags) error {
	c := NewAPIClient(flags.URL, flags.Timeout)
	var lines []inferd.LogLine
	if err := c.get("/server/logs", &lines); err != nil {
		return err
	}
	for _, l := range lines {
		fmt.Printf("[%s] %s\n", l.Stream, l.Text)
	}
	return nil
}

func (command) Metrics(flags *MetricsFlags) error {
	if err := inferd.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	fmt.Printf("metrics on %s/metrics\n", flags.Listen)
	return inferd.ServeMetrics(flags.Listen)
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
