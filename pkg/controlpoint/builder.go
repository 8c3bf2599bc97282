package controlpoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/gladhorn/hupnp/pkg/description"
	"github.com/gladhorn/hupnp/pkg/log"
	"github.com/gladhorn/hupnp/pkg/model"
	"github.com/gladhorn/hupnp/pkg/soap"
	"github.com/gladhorn/hupnp/pkg/transport"
	"github.com/gladhorn/hupnp/pkg/upnp"
)

// Build tuning.
const (
	// buildGetTimeout bounds each description, SCPD or icon fetch.
	buildGetTimeout = 15 * time.Second

	// buildAttempts is how many times the root description GET is tried.
	buildAttempts = 3

	// buildBackoffBase is the first retry delay; it doubles per attempt.
	buildBackoffBase = 500 * time.Millisecond
)

// buildTask is one in-flight device build. Triggers for the same
// LOCATION share the task and wait on done.
type buildTask struct {
	done chan struct{}
	root *model.Device
	err  error
}

// builder turns SSDP advertisements into installed device trees, one
// deduplicated task per description LOCATION.
type builder struct {
	client *transport.Client
	logger log.Logger
	strict bool

	mu       sync.Mutex
	inflight map[string]*buildTask
}

func newBuilder(flag *transport.ShutdownFlag, logger log.Logger, strict bool) *builder {
	client := transport.NewClient(flag, logger)
	client.SetTimeout(buildGetTimeout)
	return &builder{
		client:   client,
		logger:   log.OrNoop(logger),
		strict:   strict,
		inflight: make(map[string]*buildTask),
	}
}

func (b *builder) close() {
	b.client.Close()
}

// build resolves one LOCATION into a device tree, joining an in-flight
// task when one exists. owner is true for the caller that actually ran
// the task; joiners receive the shared result with owner false, so a
// failure is reported exactly once.
func (b *builder) build(location string) (root *model.Device, owner bool, err error) {
	b.mu.Lock()
	if task, ok := b.inflight[location]; ok {
		b.mu.Unlock()
		<-task.done
		return task.root, false, task.err
	}
	task := &buildTask{done: make(chan struct{})}
	b.inflight[location] = task
	b.mu.Unlock()

	task.root, task.err = b.run(location)

	b.mu.Lock()
	delete(b.inflight, location)
	b.mu.Unlock()
	close(task.done)

	return task.root, true, task.err
}

// run executes the build pipeline: description GET with backoff, SCPD
// GETs, icon GETs, validation.
func (b *builder) run(location string) (*model.Device, error) {
	data, err := b.getWithRetry(location)
	if err != nil {
		return nil, err
	}

	result, err := description.ParseDevice(data, location, b.strict)
	if err != nil {
		return nil, err
	}
	for _, warning := range result.Warnings {
		b.logWarning(location, warning)
	}

	var buildErr error
	result.Root.Walk(func(device *model.Device) {
		for _, svc := range device.Services() {
			if buildErr != nil {
				return
			}
			if err := b.populateService(svc, result); err != nil {
				buildErr = err
				return
			}
		}
	})
	if buildErr != nil {
		return nil, buildErr
	}

	b.fetchIcons(result)
	return result.Root, nil
}

// populateService fetches and parses the SCPD and rewrites the service's
// document URLs to their absolute forms.
func (b *builder) populateService(svc *model.Service, result *description.Result) error {
	info := svc.Info()

	scpdURL, err := description.ResolveURL(result.BaseURL, info.SCPDURL)
	if err != nil {
		return err
	}
	controlURL, err := description.ResolveURL(result.BaseURL, info.ControlURL)
	if err != nil {
		return err
	}
	eventSubURL := ""
	if info.EventSubURL != "" {
		eventSubURL, err = description.ResolveURL(result.BaseURL, info.EventSubURL)
		if err != nil {
			return err
		}
	}
	svc.SetDocumentURLs(scpdURL, controlURL, eventSubURL)

	resp, err := b.client.Get(scpdURL)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return fmt.Errorf("%w: SCPD GET %s returned %d", upnp.ErrInvalidServiceDescription, scpdURL, resp.Status)
	}

	warnings, err := description.ParseSCPD(resp.Body, svc, b.strict)
	if err != nil {
		return err
	}
	for _, warning := range warnings {
		b.logWarning(scpdURL, warning)
	}

	// Remote state is owned by the device; local writes go through
	// actions, never SetValue.
	svc.SetImmutable(true)
	soap.AttachRemoteInvokers(b.client, controlURL, svc)
	return nil
}

// fetchIcons retrieves the advertised icons. Icon failures never fail a
// build; the icon is simply absent.
func (b *builder) fetchIcons(result *description.Result) {
	result.Root.Walk(func(device *model.Device) {
		info := device.Info()
		for i := range info.Icons {
			iconURL, err := description.ResolveURL(result.BaseURL, info.Icons[i].URL)
			if err != nil {
				continue
			}
			resp, err := b.client.Get(iconURL)
			if err != nil || !resp.IsSuccess() {
				b.logWarning(iconURL, "icon fetch failed")
				continue
			}
			info.Icons[i].Bytes = resp.Body
		}
	})
}

// getWithRetry fetches the root description with exponential backoff.
func (b *builder) getWithRetry(location string) ([]byte, error) {
	var lastErr error
	delay := buildBackoffBase
	for attempt := 0; attempt < buildAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}

		resp, err := b.client.Get(location)
		if err != nil {
			lastErr = err
			continue
		}
		if !resp.IsSuccess() {
			lastErr = fmt.Errorf("%w: description GET %s returned %d",
				upnp.ErrCommunications, location, resp.Status)
			continue
		}
		return resp.Body, nil
	}
	return nil, lastErr
}

func (b *builder) logWarning(context, message string) {
	b.logger.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerDescription,
		Category:  log.CategoryNonStandard,
		LocalRole: log.RoleControlPoint,
		Error:     &log.ErrorEventData{Message: message, Context: context},
	})
}
