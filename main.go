/*
Prisma is a VR head-mounted-display compositing server: it accepts eye images
rendered by one client application through shared memory, time-warps them to
the freshest predicted head pose, applies lens-distortion correction and
presents to the headset panel locked to its vertical retrace.
*/
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/spaghettifunk/prisma/compositor"
	"github.com/spaghettifunk/prisma/compositor/broker"
	"github.com/spaghettifunk/prisma/compositor/config"
	"github.com/spaghettifunk/prisma/compositor/core"
	"github.com/spaghettifunk/prisma/compositor/daemon"
	"github.com/spaghettifunk/prisma/compositor/display"
	"github.com/spaghettifunk/prisma/compositor/shared"
	"github.com/spaghettifunk/prisma/compositor/vulkan"
)

func main() {
	var (
		configPath   = flag.String("config", "", "TOML configuration file")
		validate     = flag.Bool("validate", false, "enable the GPU validation layer")
		listDisplays = flag.Bool("list-displays", false, "list connected displays and exit")
		daemonSocket = flag.String("daemon-socket", "", "device daemon unix socket")
		controlSock  = flag.String("control-port", "", "client broker unix socket")
		displayIdx   = flag.Int("display", -1, "output display index")
		displayName  = flag.String("display-name", "", "output display name (overrides -display)")
		rateHz       = flag.Float64("rate", 0, "nominal refresh rate override in Hz")
		simulate     = flag.Bool("simulate", false, "use the in-process simulated device daemon")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		os.Exit(1)
	}
	// Flags win over the file.
	if *validate {
		cfg.Validate = true
	}
	if *daemonSocket != "" {
		cfg.DaemonSocket = *daemonSocket
	}
	if *controlSock != "" {
		cfg.ControlSocket = *controlSock
	}
	if *displayIdx >= 0 {
		cfg.Display = *displayIdx
	}
	if *displayName != "" {
		cfg.DisplayName = *displayName
	}
	if *rateHz > 0 {
		cfg.RateHz = *rateHz
	}
	if *simulate {
		cfg.Simulate = true
	}

	if err := glfw.Init(); err != nil {
		core.LogFatal("failed to initialize glfw: %s", err)
	}
	defer glfw.Terminate()

	if *listDisplays {
		display.ListDisplays()
		return
	}

	if err := run(cfg, *configPath); err != nil {
		core.LogError("compositor exited with error: %s", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string) error {
	// Device daemon first: its configuration sizes the shared memory.
	var dmn daemon.Daemon
	if cfg.Simulate {
		dmn = daemon.NewSimulated(2560, 1440, 4_000_000)
	} else {
		c, err := daemon.Dial(cfg.DaemonSocket)
		if err != nil {
			return err
		}
		dmn = c
	}
	defer dmn.Close()

	dmnCfg, err := dmn.Configuration()
	if err != nil {
		return err
	}

	channel, err := shared.CreateChannel()
	if err != nil {
		return err
	}
	defer channel.Close()
	images, err := shared.CreateImageRegion(dmnCfg.Device.FrameWidth, dmnCfg.Device.FrameHeight)
	if err != nil {
		return err
	}
	defer images.Close()

	// The handshake reads the device configuration out of the channel, so it
	// must be in place before the broker ever accepts a client.
	channel.DeviceConfig.Publish(&dmnCfg.Device)

	window, rate, err := openOutputWindow(cfg)
	if err != nil {
		return err
	}
	defer window.Destroy()
	if cfg.RateHz > 0 {
		rate = cfg.RateHz
	}

	ctx, err := initVulkan(cfg, window)
	if err != nil {
		return err
	}
	defer teardownVulkan(ctx)

	var source display.RetraceSource
	if cfg.Simulate {
		source = display.NewSyntheticSource(rate)
	} else {
		source = display.NewPresentClockedSource(rate)
	}
	disp := display.New(ctx, source, rate)
	defer disp.Close()

	core.MetricsInitialize()
	comp := compositor.New(ctx, disp, dmn, channel, images)
	comp.SetReprojection(cfg.Tuning.Reprojection)
	comp.SetExposureOffset(cfg.Tuning.ExposureOffsetUS * 1000)
	if err := comp.InitializeResources(cfg.ShaderDir); err != nil {
		return err
	}
	defer comp.Shutdown()

	b := broker.New(cfg.ControlSocket, channel, images, comp.SetClientActive)
	if err := b.Start(); err != nil {
		return err
	}
	defer b.Stop()
	comp.SetVsyncNotifier(func(shared.VblankTimerRecord) {
		b.NotifyVsync()
	})

	if configPath != "" {
		w, err := config.Watch(configPath, func(tn config.Tuning) {
			comp.SetReprojection(tn.Reprojection)
			comp.SetExposureOffset(tn.ExposureOffsetUS * 1000)
		})
		if err != nil {
			core.LogWarn("Config watcher unavailable: %s", err)
		} else {
			defer w.Close()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	go func() {
		<-sigCh
		core.LogInfo("Signal received, shutting down.")
		comp.RequestShutdown()
	}()
	go readKeys(comp)

	core.LogInfo("Prisma compositing at %.1f Hz on %s socket %s.", rate,
		map[bool]string{true: "simulated", false: "hardware"}[cfg.Simulate], cfg.ControlSocket)
	return comp.Run()
}

// openOutputWindow creates a fullscreen, no-client-API window on the selected
// monitor and returns its refresh rate.
func openOutputWindow(cfg *config.Config) (*glfw.Window, float64, error) {
	monitors := glfw.GetMonitors()
	if len(monitors) == 0 {
		core.LogError("No displays connected.")
		return nil, 0, errors.New("no displays connected")
	}
	monitor, err := selectMonitor(monitors, cfg)
	if err != nil {
		return nil, 0, err
	}
	mode := monitor.GetVideoMode()

	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	glfw.WindowHint(glfw.RedBits, mode.RedBits)
	glfw.WindowHint(glfw.GreenBits, mode.GreenBits)
	glfw.WindowHint(glfw.BlueBits, mode.BlueBits)
	glfw.WindowHint(glfw.RefreshRate, mode.RefreshRate)

	window, err := glfw.CreateWindow(mode.Width, mode.Height, "prisma", monitor, nil)
	if err != nil {
		return nil, 0, err
	}
	core.LogInfo("Output: %s %dx%d @ %dHz.", monitor.GetName(), mode.Width, mode.Height, mode.RefreshRate)
	return window, float64(mode.RefreshRate), nil
}

// selectMonitor resolves the configured output display, by name when one is
// given, otherwise by index.
func selectMonitor(monitors []*glfw.Monitor, cfg *config.Config) (*glfw.Monitor, error) {
	if cfg.DisplayName != "" {
		for _, m := range monitors {
			if strings.EqualFold(m.GetName(), cfg.DisplayName) {
				return m, nil
			}
		}
		err := fmt.Errorf("no display named %q among %d connected: %w", cfg.DisplayName, len(monitors), core.ErrConfiguration)
		core.LogError(err.Error())
		return nil, err
	}
	if cfg.Display >= len(monitors) {
		err := fmt.Errorf("display index %d out of range (%d connected): %w", cfg.Display, len(monitors), core.ErrConfiguration)
		core.LogError(err.Error())
		return nil, err
	}
	return monitors[cfg.Display], nil
}

func initVulkan(cfg *config.Config, window *glfw.Window) (*vulkan.VulkanContext, error) {
	width, height := window.GetFramebufferSize()
	ctx := &vulkan.VulkanContext{
		FramebufferWidth:  uint32(width),
		FramebufferHeight: uint32(height),
	}
	if err := vulkan.InstanceCreate(ctx, window, "prisma", cfg.Validate); err != nil {
		return nil, err
	}
	if err := vulkan.SurfaceCreate(ctx, window); err != nil {
		return nil, err
	}
	if err := vulkan.DeviceCreate(ctx); err != nil {
		return nil, err
	}
	sc, err := vulkan.SwapchainCreate(ctx, ctx.FramebufferWidth, ctx.FramebufferHeight)
	if err != nil {
		return nil, err
	}
	ctx.Swapchain = sc
	return ctx, nil
}

func teardownVulkan(ctx *vulkan.VulkanContext) {
	if ctx.Swapchain != nil {
		ctx.Swapchain.SwapchainDestroy(ctx)
	}
	vulkan.DeviceDestroy(ctx)
	vulkan.InstanceDestroy(ctx)
}

// readKeys handles the interactive single-key commands on stdin:
// q quit, r toggle reprojection, +/- nudge exposure offset, p debug pause.
func readKeys(comp *compositor.Compositor) {
	reader := bufio.NewReader(os.Stdin)
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return
		}
		switch b {
		case 'q':
			core.LogInfo("Quit requested.")
			comp.RequestShutdown()
			return
		case 'r':
			core.LogInfo("Reprojection: %v", comp.ToggleReprojection())
		case '+':
			core.LogInfo("Exposure offset: %dus", comp.NudgeExposureOffset(100_000)/1000)
		case '-':
			core.LogInfo("Exposure offset: %dus", comp.NudgeExposureOffset(-100_000)/1000)
		case 'p':
			core.LogInfo("Paused: %v", comp.TogglePause())
		}
	}
}
