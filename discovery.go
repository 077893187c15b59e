package camaudio

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// ObjCRuntime is the platform object-model adapter used to find the vendor
// player. All methods may block and must not be called from audio callbacks.
type ObjCRuntime interface {
	// ClassNames returns the names of loaded classes accepted by match.
	ClassNames(match func(name string) bool) ([]string, error)

	// ClassExists reports whether a class with this exact name is loaded.
	ClassExists(class string) bool

	// RespondsTo reports whether instances of class implement selector.
	RespondsTo(class, selector string) bool

	// HasIvar reports whether class declares the instance variable.
	HasIvar(class, ivar string) bool

	// ReadIvarPointer reads a pointer-sized instance variable.
	ReadIvarPointer(instance uintptr, ivar string) (uintptr, error)

	// Send sends selector to instance with word-sized arguments.
	Send(instance uintptr, selector string, args ...uintptr) (uintptr, error)

	// SendClass sends a no-argument class method to class. It fails with
	// ErrSymbolNotFound when the class does not implement selector.
	SendClass(class, selector string) (uintptr, error)
}

// PlayerType is a discovered vendor player class.
type PlayerType struct {
	Class string
}

// DiscoveryConfig names what discovery looks for.
type DiscoveryConfig struct {
	PlayerClass string   // exact player class name
	ClassHints  []string // substrings marking related classes
	Selectors   []string // instance methods expected on the player
	Ivars       []string // instance variables expected on the player

	// Accessors are class methods that may return a live player.
	Accessors []string
}

// DefaultDiscoveryConfig returns the names used by the vendor SDK releases
// seen so far. Nothing here is guaranteed stable across versions.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		PlayerClass: "AppIOSPlayer",
		ClassHints:  []string{"AppIOSPlayer", "AppPlayer", "VsdkPlayer", "P2PPlayer", "Voice"},
		Selectors:   []string{"startVoice", "stopVoice", "setMute:", "audioUnit"},
		Ivars:       []string{"audioUnit", "voice_frame", "voice_out_buff"},
		Accessors:   []string{"sharedInstance", "shared", "sharedPlayer", "currentPlayer"},
	}
}

// DiscoveryResult is diagnostic evidence about the vendor player. It never
// guarantees that an instance exists.
type DiscoveryResult struct {
	Candidates []string        // class names matching the hints
	Symbols    map[string]bool // expected class/selector/ivar -> present
	Player     *PlayerType     // set when the player class itself was found
}

// Handle returns the discovered player type, if any.
func (r DiscoveryResult) Handle() (PlayerType, bool) {
	if r.Player == nil {
		return PlayerType{}, false
	}
	return *r.Player, true
}

// Evidence renders the result as human-readable lines.
func (r DiscoveryResult) Evidence() []string {
	lines := make([]string, 0, len(r.Candidates)+len(r.Symbols)+1)
	if r.Player != nil {
		lines = append(lines, "player class found: "+r.Player.Class)
	} else {
		lines = append(lines, "player class not found")
	}
	for _, c := range r.Candidates {
		lines = append(lines, "candidate class: "+c)
	}

	keys := make([]string, 0, len(r.Symbols))
	for k := range r.Symbols {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		mark := "missing"
		if r.Symbols[k] {
			mark = "present"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", k, mark))
	}
	return lines
}

// Discoverer locates the vendor player type through the runtime class
// registry.
type Discoverer struct {
	rt     ObjCRuntime
	cfg    DiscoveryConfig
	logger zerolog.Logger
}

// NewDiscoverer creates a discoverer. Empty config fields take defaults.
func NewDiscoverer(rt ObjCRuntime, cfg DiscoveryConfig, logger *zerolog.Logger) *Discoverer {
	def := DefaultDiscoveryConfig()
	if cfg.PlayerClass == "" {
		cfg.PlayerClass = def.PlayerClass
	}
	if len(cfg.ClassHints) == 0 {
		cfg.ClassHints = def.ClassHints
	}
	if len(cfg.Selectors) == 0 {
		cfg.Selectors = def.Selectors
	}
	if len(cfg.Ivars) == 0 {
		cfg.Ivars = def.Ivars
	}
	if len(cfg.Accessors) == 0 {
		cfg.Accessors = def.Accessors
	}
	return &Discoverer{rt: rt, cfg: cfg, logger: componentLogger(logger, "discovery")}
}

// Discover enumerates loaded classes. It returns ErrDiscoveryFailed, with
// whatever evidence was gathered, when the player class is absent.
func (d *Discoverer) Discover(ctx context.Context) (DiscoveryResult, error) {
	res := DiscoveryResult{Symbols: make(map[string]bool)}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	names, err := d.rt.ClassNames(func(name string) bool {
		for _, hint := range d.cfg.ClassHints {
			if strings.Contains(name, hint) {
				return true
			}
		}
		return false
	})
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrDiscoveryFailed, err)
	}
	sort.Strings(names)
	res.Candidates = names

	player := d.cfg.PlayerClass
	found := d.rt.ClassExists(player)
	res.Symbols["class "+player] = found
	for _, sel := range d.cfg.Selectors {
		res.Symbols["-["+player+" "+sel+"]"] = found && d.rt.RespondsTo(player, sel)
	}
	for _, iv := range d.cfg.Ivars {
		res.Symbols[player+"."+iv] = found && d.rt.HasIvar(player, iv)
	}

	d.logger.Info().
		Int("candidates", len(names)).
		Bool("player_found", found).
		Msg("runtime discovery finished")

	if !found {
		return res, fmt.Errorf("%w: class %s not loaded", ErrDiscoveryFailed, player)
	}
	res.Player = &PlayerType{Class: player}
	return res, nil
}

// FindInstance asks the player class for a live instance through its class
// accessors, in configured order.
func (d *Discoverer) FindInstance(ctx context.Context) (uintptr, error) {
	player := d.cfg.PlayerClass
	if !d.rt.ClassExists(player) {
		return 0, fmt.Errorf("%w: class %s not loaded", ErrDiscoveryFailed, player)
	}
	for _, acc := range d.cfg.Accessors {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		inst, err := d.rt.SendClass(player, acc)
		if err != nil || inst == 0 {
			continue
		}
		d.logger.Info().Str("class", player).Str("accessor", acc).Str("instance", fmt.Sprintf("%#x", inst)).Msg("player instance found")
		return inst, nil
	}
	return 0, fmt.Errorf("%s: %w", player, ErrNoPlayerInstance)
}

// DiscoverSDKClasses returns discovery evidence lines. Failures are reported
// as lines too.
func (d *Discoverer) DiscoverSDKClasses(ctx context.Context) []string {
	res, err := d.Discover(ctx)
	lines := res.Evidence()
	if err != nil {
		lines = append(lines, "error: "+err.Error())
	}
	return lines
}
