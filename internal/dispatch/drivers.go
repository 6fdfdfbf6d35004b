package dispatch

import (
	"context"
	"fmt"
	"log"

	"github.com/resend/resend-go/v2"

	"github.com/sproutcare/notify-engine/internal/engine"
)

// Channel identifies a delivery transport.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Driver hands a rendered notification to one transport. Implementations
// classify failures by wrapping engine.ErrDispatchTransient or
// engine.ErrDispatchPermanent; anything else is treated as transient.
type Driver interface {
	Send(ctx context.Context, profile *engine.CaregiverProfile, title, content string) error
	Channel() Channel
}

// PushDriver talks to the mobile push transport collaborator. The wire
// protocol (APNs/FCM) lives behind the provider; the engine only hands
// over tokens.
type PushDriver struct{}

func NewPushDriver() *PushDriver {
	return &PushDriver{}
}

func (d *PushDriver) Channel() Channel {
	return ChannelPush
}

func (d *PushDriver) Send(ctx context.Context, profile *engine.CaregiverProfile, title, content string) error {
	if len(profile.Devices) == 0 {
		return fmt.Errorf("%w: caregiver %s has no registered devices", engine.ErrDispatchPermanent, profile.CaregiverID)
	}
	for _, dev := range profile.Devices {
		// In production this calls the push provider per platform.
		log.Printf("[PUSH] %s token=%s title=%q", dev.Platform, truncateToken(dev.Token), title)
	}
	return nil
}

// SMSDriver is the text-message fallback for caregivers who enabled
// sms_backup on a category.
type SMSDriver struct{}

func NewSMSDriver() *SMSDriver {
	return &SMSDriver{}
}

func (d *SMSDriver) Channel() Channel {
	return ChannelSMS
}

func (d *SMSDriver) Send(ctx context.Context, profile *engine.CaregiverProfile, title, content string) error {
	if profile.Phone == "" {
		return fmt.Errorf("%w: caregiver %s has no phone number", engine.ErrDispatchPermanent, profile.CaregiverID)
	}
	log.Printf("[SMS] to %s: %s", profile.Phone, content)
	return nil
}

// EmailDriver delivers digests over email via Resend.
type EmailDriver struct {
	client *resend.Client
	from   string
}

func NewEmailDriver(apiKey, from string) *EmailDriver {
	if from == "" {
		from = "alerts@sproutcare.app"
	}
	return &EmailDriver{client: resend.NewClient(apiKey), from: from}
}

func (d *EmailDriver) Channel() Channel {
	return ChannelEmail
}

func (d *EmailDriver) Send(ctx context.Context, profile *engine.CaregiverProfile, title, content string) error {
	if profile.Email == "" {
		return fmt.Errorf("%w: caregiver %s has no email address", engine.ErrDispatchPermanent, profile.CaregiverID)
	}
	_, err := d.client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    d.from,
		To:      []string{profile.Email},
		Subject: title,
		Text:    content,
	})
	if err != nil {
		return fmt.Errorf("%w: resend: %v", engine.ErrDispatchTransient, err)
	}
	return nil
}

// Registry holds the available drivers.
type Registry struct {
	drivers map[Channel]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[Channel]Driver)}
}

func (r *Registry) Register(driver Driver) {
	r.drivers[driver.Channel()] = driver
}

func (r *Registry) Get(channel Channel) (Driver, error) {
	driver, ok := r.drivers[channel]
	if !ok {
		return nil, fmt.Errorf("no driver registered for channel: %s", channel)
	}
	return driver, nil
}

// ForProfile picks the preferred driver for a caregiver: push when they
// have devices, then email, then SMS.
func (r *Registry) ForProfile(profile *engine.CaregiverProfile) (Driver, error) {
	if len(profile.Devices) > 0 {
		if d, err := r.Get(ChannelPush); err == nil {
			return d, nil
		}
	}
	if profile.Email != "" {
		if d, err := r.Get(ChannelEmail); err == nil {
			return d, nil
		}
	}
	if profile.Phone != "" {
		if d, err := r.Get(ChannelSMS); err == nil {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: no usable channel for caregiver %s", engine.ErrDispatchPermanent, profile.CaregiverID)
}

func truncateToken(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[:8] + "..."
}
