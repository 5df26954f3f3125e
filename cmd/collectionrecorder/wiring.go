package main

import (
	"fmt"
	"log/slog"

	"github.com/jabeka/CollectionRecorder/internal/capture"
	"github.com/jabeka/CollectionRecorder/internal/codec"
	"github.com/jabeka/CollectionRecorder/internal/config"
	"github.com/jabeka/CollectionRecorder/internal/device"
	"github.com/jabeka/CollectionRecorder/internal/metrics"
	"github.com/jabeka/CollectionRecorder/internal/notify"
	"github.com/jabeka/CollectionRecorder/internal/postprocess"
)

// captureSettings converts the loaded configuration into engine settings
func captureSettings(cfg *config.Config) capture.Settings {
	return capture.Settings{
		OutputDir:      cfg.Recorder.OutputFolder,
		FilePrefix:     cfg.Recorder.FilePrefix,
		Codec:          cfg.Recorder.Format,
		BitDepth:       cfg.Recorder.BitDepth,
		RMSThreshold:   cfg.Detection.RMSThreshold,
		SilenceLength:  cfg.Detection.GetSilenceLength(),
		DebounceBlocks: cfg.Detection.DebounceBlocks,
		PostProcess:    postProcessOptions(cfg),
	}
}

func postProcessOptions(cfg *config.Config) postprocess.Options {
	return postprocess.Options{
		Normalize:         cfg.PostProcessing.Normalize,
		Trim:              cfg.PostProcessing.Trim,
		RemoveShortChunks: cfg.PostProcessing.RemoveShortChunks,
		RMSThreshold:      cfg.Detection.RMSThreshold,
		MinChunkDuration:  cfg.PostProcessing.GetMinChunkDuration(),
	}
}

func notifyConfig(cfg config.NotifyConfig) notify.Config {
	return notify.Config{
		Endpoint:      cfg.Endpoint,
		APIKey:        cfg.APIKey,
		Timeout:       cfg.GetTimeoutDuration(),
		MaxRetries:    cfg.MaxRetries,
		MaxConcurrent: cfg.MaxConcurrent,
		Version:       version,
	}
}

func deviceInfo(cfg config.DeviceConfig) device.Info {
	return device.Info{
		Name:           cfg.Source,
		SampleRate:     cfg.SampleRate,
		BitDepth:       cfg.BitDepth,
		InputChannels:  cfg.Channels,
		OutputChannels: cfg.OutputChannels,
		BlockSize:      cfg.BlockSize,
	}
}

// buildSource creates the configured input. The UDP source is also
// returned on its own so its counters can be served.
func buildSource(cfg config.DeviceConfig, factory codec.Factory, logger *slog.Logger, m *metrics.Metrics) (device.Source, *device.UDP, error) {
	switch cfg.Source {
	case "synth":
		steps, err := device.ParseProgram(cfg.Synth.Program)
		if err != nil {
			return nil, nil, fmt.Errorf("synth program: %w", err)
		}
		synth, err := device.NewSynth(device.SynthConfig{
			Info:      deviceInfo(cfg),
			Steps:     steps,
			Frequency: cfg.Synth.Frequency,
			Amplitude: cfg.Synth.Amplitude,
			Loop:      cfg.Synth.Loop,
			Realtime:  cfg.Realtime,
		})
		if err != nil {
			return nil, nil, err
		}
		return synth, nil, nil

	case "wav":
		file, err := device.NewFile(factory, device.FileConfig{
			Path:           cfg.WAV.Path,
			OutputChannels: cfg.OutputChannels,
			BlockSize:      cfg.BlockSize,
			Realtime:       cfg.Realtime,
		})
		if err != nil {
			return nil, nil, err
		}
		return file, nil, nil

	case "udp":
		udp, err := device.NewUDP(device.UDPConfig{
			Info:        deviceInfo(cfg),
			BindAddress: cfg.UDP.BindAddress,
			Port:        cfg.UDP.Port,
			BufferSize:  cfg.UDP.BufferSize,
			QueueSize:   cfg.UDP.QueueSize,
		}, logger, m)
		if err != nil {
			return nil, nil, err
		}
		return udp, udp, nil

	default:
		return nil, nil, fmt.Errorf("unknown device source %q", cfg.Source)
	}
}

// autoStart opens the first segment as soon as the device reports its
// stream format, before the first block is delivered.
type autoStart struct {
	*capture.Engine
	settings capture.Settings
	errs     chan error
}

func newAutoStart(engine *capture.Engine, settings capture.Settings) *autoStart {
	return &autoStart{
		Engine:   engine,
		settings: settings,
		errs:     make(chan error, 1),
	}
}

func (a *autoStart) OnDeviceStart(info device.Info) {
	a.Engine.OnDeviceStart(info)

	if err := a.Engine.Start(a.settings); err != nil {
		select {
		case a.errs <- fmt.Errorf("start recording: %w", err):
		default:
		}
	}
}
