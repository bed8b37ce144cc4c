// Package headless drives the signup flow through a remote browser profile
// using chromedp.
package headless

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/minhvu-dev/account-provisioner/internal/identity"
	"github.com/minhvu-dev/account-provisioner/internal/profile"
	"github.com/minhvu-dev/account-provisioner/internal/provision"
)

// CodeReader retrieves the verification code delivered to a leased mailbox.
type CodeReader interface {
	Code(ctx context.Context, mailbox provision.Mailbox, sentTo string) (string, error)
}

// Config controls Driver behavior.
type Config struct {
	SignupURL      string
	TokenURL       string
	NavTimeout     time.Duration
	AnimationLimit time.Duration
}

// Driver implements provision.Driver by attaching to the profile's remote
// debugging address and walking the signup flow.
type Driver struct {
	profiles *profile.Client
	codes    CodeReader
	cfg      Config
	clock    provision.Clock
	logger   *zap.Logger
}

// New constructs a Driver. codes may be nil, in which case the mailbox
// verification step is skipped.
func New(profiles *profile.Client, codes CodeReader, cfg Config, clock provision.Clock, logger *zap.Logger) *Driver {
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}
	if cfg.AnimationLimit <= 0 {
		cfg.AnimationLimit = 60 * time.Second
	}
	return &Driver{
		profiles: profiles,
		codes:    codes,
		cfg:      cfg,
		clock:    clock,
		logger:   logger,
	}
}

// Provision applies the proxy, opens the profile, and runs the signup flow.
// Terminal verdicts come back as Outcome; an error return means the attempt
// could not run and may be retried by the caller.
func (d *Driver) Provision(ctx context.Context, item provision.Item, proxy string, mailbox provision.Mailbox) (provision.Outcome, error) {
	if err := d.profiles.UpdateProxy(ctx, item.ProfileID, proxy); err != nil {
		if errors.Is(err, profile.ErrProfileNotFound) {
			return provision.Outcome{
				Kind:   provision.OutcomeFailed,
				Status: provision.StatusProxyError,
				Reason: "profile unknown to manager",
			}, nil
		}
		return provision.Outcome{}, err
	}

	sess, err := d.profiles.Start(ctx, item.ProfileID)
	if err != nil {
		return provision.Outcome{}, err
	}
	defer func() {
		if closeErr := d.profiles.Close(context.WithoutCancel(ctx), item.ProfileID); closeErr != nil {
			d.logger.Warn("close profile", zap.String("profile", item.ProfileID), zap.Error(closeErr))
		}
	}()

	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, "http://"+sess.RemoteDebuggingAddress)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	return d.runFlow(browserCtx, item, mailbox)
}

func (d *Driver) runFlow(ctx context.Context, item provision.Item, mailbox provision.Mailbox) (provision.Outcome, error) {
	name := identity.NewName()
	username := name.Username()
	email := username + "@outlook.com"
	password, err := identity.NewPassword()
	if err != nil {
		return provision.Outcome{}, err
	}
	birth := identity.NewBirthDate(d.clock.Now())

	navCtx, cancel := context.WithTimeout(ctx, d.cfg.NavTimeout)
	defer cancel()
	if err := chromedp.Run(navCtx,
		network.Enable(),
		chromedp.Navigate(d.cfg.SignupURL),
		chromedp.WaitVisible(`#usernameInput`, chromedp.ByID),
		chromedp.SendKeys(`#usernameInput`, email, chromedp.ByID),
		chromedp.Click(`button[type="submit"]`, chromedp.ByQuery),
	); err != nil {
		return provision.Outcome{}, fmt.Errorf("username step: %w", err)
	}

	pwCtx, cancelPw := context.WithTimeout(ctx, d.cfg.NavTimeout)
	defer cancelPw()
	if err := chromedp.Run(pwCtx,
		chromedp.WaitVisible(`#Password`, chromedp.ByID),
		chromedp.SendKeys(`#Password`, password, chromedp.ByID),
		chromedp.Click(`#nextButton`, chromedp.ByID),
	); err != nil {
		// A dead password field this deep in usually means the proxy fell over.
		if errors.Is(err, context.DeadlineExceeded) {
			return provision.Outcome{
				Kind:   provision.OutcomeFailed,
				Status: provision.StatusProxyError,
				Reason: "password field never appeared",
			}, nil
		}
		return provision.Outcome{}, fmt.Errorf("password step: %w", err)
	}

	detailCtx, cancelDetail := context.WithTimeout(ctx, d.cfg.NavTimeout)
	defer cancelDetail()
	if err := chromedp.Run(detailCtx,
		chromedp.WaitVisible(`#firstNameInput`, chromedp.ByID),
		chromedp.SendKeys(`#firstNameInput`, name.First, chromedp.ByID),
		chromedp.SendKeys(`#lastNameInput`, name.Last, chromedp.ByID),
		chromedp.Click(`#nextButton`, chromedp.ByID),
		chromedp.WaitVisible(`#BirthYear`, chromedp.ByID),
		chromedp.SendKeys(`#BirthMonth`, birth.Month().String()[:3], chromedp.ByID),
		chromedp.SendKeys(`#BirthDay`, strconv.Itoa(birth.Day()), chromedp.ByID),
		chromedp.SendKeys(`#BirthYear`, strconv.Itoa(birth.Year()), chromedp.ByID),
		chromedp.Click(`#nextButton`, chromedp.ByID),
	); err != nil {
		return provision.Outcome{}, fmt.Errorf("details step: %w", err)
	}

	if d.isAccountLocked(ctx) {
		return provision.Outcome{Kind: provision.OutcomeAccountLocked, Reason: "lock banner after signup"}, nil
	}
	if stalled := d.waitOutAnimation(ctx); stalled {
		return provision.Outcome{Kind: provision.OutcomeQuotaStall, Reason: "verification animation never cleared"}, nil
	}

	if d.codes != nil && mailbox.Address != "" {
		if outcome, verified := d.verifyMailbox(ctx, mailbox, email); !verified {
			return outcome, nil
		}
	}

	token, err := d.fetchRefreshToken(ctx)
	if err != nil {
		d.logger.Warn("refresh token fetch failed", zap.String("profile", item.ProfileID), zap.Error(err))
		return provision.Outcome{
			Kind:   provision.OutcomeFailed,
			Status: provision.StatusTokenError,
			Reason: "refresh token unavailable",
		}, nil
	}

	return provision.Outcome{
		Kind: provision.OutcomeSuccess,
		Account: provision.Account{
			FirstName:    name.First,
			LastName:     name.Last,
			Email:        email,
			Password:     password,
			RefreshToken: token,
		},
	}, nil
}

// isAccountLocked looks for the lock banner with a short deadline; absence
// is the normal case.
func (d *Driver) isAccountLocked(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := chromedp.Run(checkCtx,
		chromedp.WaitVisible(`#serviceAbuseLandingTitle`, chromedp.ByID),
	)
	return err == nil
}

// waitOutAnimation waits for the verification spinner to clear, bounded by
// the configured ceiling. Returns true if the flow is considered stalled.
func (d *Driver) waitOutAnimation(ctx context.Context) bool {
	waitCtx, cancel := context.WithTimeout(ctx, d.cfg.AnimationLimit)
	defer cancel()
	err := chromedp.Run(waitCtx,
		chromedp.WaitNotPresent(`#enforcementFrame`, chromedp.ByID),
	)
	return errors.Is(err, context.DeadlineExceeded)
}

func (d *Driver) verifyMailbox(ctx context.Context, mailbox provision.Mailbox, email string) (provision.Outcome, bool) {
	stepCtx, cancel := context.WithTimeout(ctx, d.cfg.NavTimeout)
	defer cancel()
	if err := chromedp.Run(stepCtx,
		chromedp.WaitVisible(`#EmailAddress`, chromedp.ByID),
		chromedp.SendKeys(`#EmailAddress`, mailbox.Address, chromedp.ByID),
		chromedp.Click(`#iNext`, chromedp.ByID),
	); err != nil {
		return provision.Outcome{
			Kind:   provision.OutcomeFailed,
			Status: provision.StatusVerificationFailed,
			Reason: "recovery email form unavailable",
		}, false
	}

	code, err := d.codes.Code(ctx, mailbox, email)
	if err != nil {
		return provision.Outcome{
			Kind:   provision.OutcomeFailed,
			Status: provision.StatusVerificationFailed,
			Reason: "verification code not received",
		}, false
	}

	codeCtx, cancelCode := context.WithTimeout(ctx, d.cfg.NavTimeout)
	defer cancelCode()
	if err := chromedp.Run(codeCtx,
		chromedp.WaitVisible(`#iOttText`, chromedp.ByID),
		chromedp.SendKeys(`#iOttText`, code, chromedp.ByID),
		chromedp.Click(`#iNext`, chromedp.ByID),
	); err != nil {
		return provision.Outcome{
			Kind:   provision.OutcomeFailed,
			Status: provision.StatusVerificationFailed,
			Reason: "could not submit verification code",
		}, false
	}
	return provision.Outcome{}, true
}

func (d *Driver) fetchRefreshToken(ctx context.Context) (string, error) {
	tokenCtx, cancel := context.WithTimeout(ctx, d.cfg.NavTimeout)
	defer cancel()

	var token string
	if err := chromedp.Run(tokenCtx,
		chromedp.Navigate(d.cfg.TokenURL),
		chromedp.WaitVisible(`#refreshToken`, chromedp.ByID),
		chromedp.Value(`#refreshToken`, &token, chromedp.ByID),
	); err != nil {
		return "", fmt.Errorf("fetch refresh token: %w", err)
	}
	if token == "" {
		return "", errors.New("empty refresh token")
	}
	return token, nil
}
