package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/basket/narrabot/internal/access"
	"github.com/basket/narrabot/internal/bus"
	"github.com/basket/narrabot/internal/menu"
	"github.com/basket/narrabot/internal/mission"
	"github.com/basket/narrabot/internal/narrative"
	"github.com/basket/narrabot/internal/shared"
	"github.com/basket/narrabot/internal/shop"
	"github.com/basket/narrabot/internal/store"
	"github.com/basket/narrabot/internal/user"
)

// DefaultStartFragment is where /historia drops a user who has not
// started the story yet.
const DefaultStartFragment = "intro"

// Publisher is the slice of the bus the handler needs.
type Publisher interface {
	Publish(ctx context.Context, ev *bus.Event) error
}

// Services bundles everything the chat surface drives. The handler owns
// no domain logic; it translates commands and callbacks into service
// calls and service errors into user-facing messages.
type Services struct {
	Users    *user.Registry
	Engine   *narrative.Engine
	Shop     *shop.Shop
	Missions *mission.Tracker
	Gate     *mission.Gate
	Menu     *menu.Manager
	Rel      *store.Relational
	Pub      Publisher
	Logger   *slog.Logger
}

// Sender identifies who a command or callback came from.
type Sender struct {
	ChatID      int64
	ExternalID  int64
	DisplayName string
	Language    string
}

// Handler dispatches chat commands and inline-button callbacks. It is
// transport-agnostic; the Telegram adapter feeds it.
type Handler struct {
	svc           Services
	startFragment string
	logger        *slog.Logger
}

func NewHandler(svc Services) *Handler {
	logger := svc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:           svc,
		startFragment: DefaultStartFragment,
		logger:        logger.With("component", "channels"),
	}
}

// SetStartFragment overrides the story entry point.
func (h *Handler) SetStartFragment(fragmentID string) {
	h.startFragment = fragmentID
}

// HandleCommand routes one slash command. Errors are already translated
// into chat messages; the returned error is for logging only.
func (h *Handler) HandleCommand(ctx context.Context, s Sender, command, args string) error {
	ctx, _ = shared.EnsureCorrelation(ctx)
	h.publishInteraction(ctx, s, "/"+command)

	if command == "start" {
		return h.handleStart(ctx, s)
	}

	u, err := h.resolve(ctx, s)
	if err != nil {
		return h.reportError(ctx, s.ChatID, err)
	}
	ctx = shared.WithUserID(ctx, u.InternalID())
	h.svc.Menu.OnUserCommand(ctx, s.ChatID)

	switch command {
	case "menu":
		return h.renderMainMenu(ctx, s.ChatID, u)
	case "historia":
		return h.handleHistoria(ctx, s.ChatID, u)
	case "tienda":
		return h.handleTienda(ctx, s.ChatID, u)
	case "misiones":
		return h.handleMisiones(ctx, s.ChatID, u)
	case "perfil":
		return h.handlePerfil(ctx, s.ChatID, u)
	case "sub":
		return h.handleSub(ctx, s.ChatID, u, args)
	default:
		_, err := h.svc.Menu.SendEphemeral(ctx, s.ChatID, menu.KindEphemeralInfo,
			"No conozco ese comando. Prueba /menu.")
		return err
	}
}

// HandleCallback routes one inline-button press. Data is "verb:args".
func (h *Handler) HandleCallback(ctx context.Context, s Sender, messageID int, data string) error {
	ctx, _ = shared.EnsureCorrelation(ctx)

	verb, rest, _ := strings.Cut(data, ":")

	u, err := h.resolve(ctx, s)
	if err != nil {
		return h.reportError(ctx, s.ChatID, err)
	}
	ctx = shared.WithUserID(ctx, u.InternalID())

	switch verb {
	case "menu":
		return h.handleMenuNav(ctx, s.ChatID, u, rest)
	case "choice":
		fragmentID, choiceID, ok := strings.Cut(rest, ":")
		if !ok {
			return fmt.Errorf("malformed choice callback %q", data)
		}
		return h.handleChoice(ctx, s.ChatID, u, fragmentID, choiceID)
	case "buy":
		return h.handleBuy(ctx, s.ChatID, u, rest)
	case "react":
		h.svc.Gate.Observe(ctx, u.InternalID(), s.ChatID, rest, messageID)
		return nil
	default:
		return fmt.Errorf("unknown callback verb %q", verb)
	}
}

// resolve maps the external sender to the internal user and touches the
// activity timestamp.
func (h *Handler) resolve(ctx context.Context, s Sender) (*user.User, error) {
	u, err := h.svc.Users.GetByExternalID(ctx, s.ExternalID)
	if err != nil {
		if shared.IsKind(err, shared.KindNotFound) {
			return nil, shared.NewError(shared.KindNotFound,
				"user not registered", "Usa /start para registrarte.")
		}
		return nil, err
	}
	h.svc.Users.TouchLastSeen(ctx, u.InternalID())
	return u, nil
}

func (h *Handler) handleStart(ctx context.Context, s Sender) error {
	u, err := h.svc.Users.Create(ctx, s.ExternalID, s.DisplayName, s.Language)
	if shared.IsKind(err, shared.KindAlreadyExists) {
		u, err = h.svc.Users.GetByExternalID(ctx, s.ExternalID)
	}
	if err != nil {
		return h.reportError(ctx, s.ChatID, err)
	}
	ctx = shared.WithUserID(ctx, u.InternalID())

	name := s.DisplayName
	if name == "" {
		name = "viajera"
	}
	welcome := fmt.Sprintf(
		"Hola, %s. Esto es lo que puedes hacer aquí:\n"+
			"• /historia — avanza por la narrativa y toma decisiones\n"+
			"• /tienda — desbloquea pistas con tus monedas\n"+
			"• /misiones — completa misiones y gana recompensas",
		name)
	if _, err := h.svc.Menu.SendEphemeral(ctx, s.ChatID, menu.KindNotification, welcome); err != nil {
		h.logger.Warn("send welcome", "error", err)
	}
	return h.renderMainMenu(ctx, s.ChatID, u)
}

func (h *Handler) renderMainMenu(ctx context.Context, chatID int64, u *user.User) error {
	var balance int64
	level := 1
	if u.State != nil {
		balance = u.State.Balance
		level = u.State.NarrativeLevel
	}
	text := fmt.Sprintf("Menú principal\nNivel %d · %d monedas", level, balance)
	msg := menu.Message{
		Text: text,
		Buttons: [][]menu.Button{
			{
				{Label: "📖 Historia", Data: "menu:historia"},
				{Label: "🛒 Tienda", Data: "menu:tienda"},
			},
			{
				{Label: "🎯 Misiones", Data: "menu:misiones"},
				{Label: "👤 Perfil", Data: "menu:perfil"},
			},
		},
	}
	return h.svc.Menu.RenderMenu(ctx, chatID, msg)
}

func (h *Handler) handleMenuNav(ctx context.Context, chatID int64, u *user.User, dest string) error {
	switch dest {
	case "historia":
		return h.handleHistoria(ctx, chatID, u)
	case "tienda":
		return h.handleTienda(ctx, chatID, u)
	case "misiones":
		return h.handleMisiones(ctx, chatID, u)
	case "perfil":
		return h.handlePerfil(ctx, chatID, u)
	case "vip":
		_, err := h.svc.Menu.SendEphemeral(ctx, chatID, menu.KindEphemeralInfo,
			"La suscripción VIP desbloquea fragmentos exclusivos. Pide acceso a una administradora.")
		return err
	case "main":
		return h.renderMainMenu(ctx, chatID, u)
	default:
		return fmt.Errorf("unknown menu destination %q", dest)
	}
}

func (h *Handler) handleHistoria(ctx context.Context, chatID int64, u *user.User) error {
	frag, err := h.svc.Engine.Current(ctx, u.InternalID())
	if shared.IsKind(err, shared.KindNotFound) {
		frag, err = h.svc.Engine.Fragment(ctx, u.InternalID(), h.startFragment)
	}
	if err != nil {
		return h.reportError(ctx, chatID, err)
	}
	_, err = h.svc.Menu.SendEphemeralMsg(ctx, chatID, menu.KindResponse, fragmentMessage(frag))
	return err
}

func (h *Handler) handleChoice(ctx context.Context, chatID int64, u *user.User, fragmentID, choiceID string) error {
	outcome, err := h.svc.Engine.ProcessChoice(ctx, u.InternalID(), fragmentID, choiceID)
	if err != nil {
		return h.reportError(ctx, chatID, err)
	}

	if note := rewardNote(outcome); note != "" {
		if _, err := h.svc.Menu.SendEphemeral(ctx, chatID, menu.KindSuccess, note); err != nil {
			h.logger.Warn("send reward note", "error", err)
		}
	}

	if outcome.Terminal {
		_, err := h.svc.Menu.SendEphemeralMsg(ctx, chatID, menu.KindResponse, menu.Message{
			Text: "Has llegado al final de este camino. Gracias por jugar.",
			Buttons: [][]menu.Button{
				{{Label: "Volver al menú", Data: "menu:main"}},
			},
		})
		return err
	}
	if outcome.Next == nil {
		_, err := h.svc.Menu.SendEphemeral(ctx, chatID, menu.KindNotification,
			"Decisión registrada. Sigue con /historia.")
		return err
	}
	_, err = h.svc.Menu.SendEphemeralMsg(ctx, chatID, menu.KindResponse, fragmentMessage(outcome.Next))
	return err
}

func (h *Handler) handleTienda(ctx context.Context, chatID int64, u *user.User) error {
	catalog, err := h.svc.Shop.Catalog(ctx, u.InternalID())
	if err != nil {
		return h.reportError(ctx, chatID, err)
	}
	if len(catalog) == 0 {
		_, err := h.svc.Menu.SendEphemeral(ctx, chatID, menu.KindEphemeralInfo,
			"La tienda está vacía por ahora.")
		return err
	}

	var b strings.Builder
	b.WriteString("Tienda de pistas\n")
	var rows [][]menu.Button
	for _, entry := range catalog {
		if entry.Owned {
			fmt.Fprintf(&b, "✓ %s — ya la tienes\n", entry.Hint.Title)
			continue
		}
		fmt.Fprintf(&b, "• %s — %d monedas\n", entry.Hint.Title, entry.Hint.Cost)
		rows = append(rows, []menu.Button{{
			Label: fmt.Sprintf("Comprar: %s (%d)", entry.Hint.Title, entry.Hint.Cost),
			Data:  "buy:" + entry.Hint.ID,
		}})
	}
	_, err = h.svc.Menu.SendEphemeralMsg(ctx, chatID, menu.KindResponse, menu.Message{
		Text:    b.String(),
		Buttons: rows,
	})
	return err
}

func (h *Handler) handleBuy(ctx context.Context, chatID int64, u *user.User, hintID string) error {
	receipt, err := h.svc.Shop.Purchase(ctx, u.InternalID(), hintID)
	if err != nil {
		return h.reportError(ctx, chatID, err)
	}
	if receipt.Replayed {
		_, err := h.svc.Menu.SendEphemeral(ctx, chatID, menu.KindNotification,
			"Esa pista ya es tuya.")
		return err
	}
	text := fmt.Sprintf("Pista desbloqueada. Te quedan %d monedas.", receipt.BalanceAfter)
	if u.State != nil && receipt.NewLevel > u.State.NarrativeLevel {
		text += fmt.Sprintf("\n¡Has subido al nivel %d!", receipt.NewLevel)
	}
	_, err = h.svc.Menu.SendEphemeral(ctx, chatID, menu.KindSuccess, text)
	return err
}

func (h *Handler) handleMisiones(ctx context.Context, chatID int64, u *user.User) error {
	missions, err := h.svc.Missions.Active(ctx, u.InternalID())
	if err != nil {
		return h.reportError(ctx, chatID, err)
	}
	if len(missions) == 0 {
		_, err := h.svc.Menu.SendEphemeral(ctx, chatID, menu.KindEphemeralInfo,
			"No tienes misiones activas.")
		return err
	}

	var b strings.Builder
	b.WriteString("Tus misiones\n")
	for _, m := range missions {
		current := 0
		for _, v := range m.Progress {
			current += v
		}
		fmt.Fprintf(&b, "• %s — %d/%d (+%d monedas)\n",
			h.svc.Missions.TemplateTitle(m.TemplateID), current, m.Goal, m.Reward)
		if m.Deadline != nil {
			fmt.Fprintf(&b, "  caduca el %s\n", m.Deadline.Format("2006-01-02"))
		}
	}
	_, err = h.svc.Menu.SendEphemeral(ctx, chatID, menu.KindResponse, b.String())
	return err
}

func (h *Handler) handlePerfil(ctx context.Context, chatID int64, u *user.User) error {
	var b strings.Builder
	b.WriteString("Tu perfil\n")
	if u.Profile != nil {
		fmt.Fprintf(&b, "Nombre: %s\n", u.Profile.DisplayName)
		fmt.Fprintf(&b, "Rol: %s\n", u.Profile.Role)
	}
	if u.State != nil {
		fmt.Fprintf(&b, "Nivel: %d\n", u.State.NarrativeLevel)
		fmt.Fprintf(&b, "Monedas: %d\n", u.State.Balance)
		fmt.Fprintf(&b, "Pistas: %d\n", len(u.State.UnlockedHints))
	}
	if u.Subscription.IsVIP(time.Now().UTC()) {
		fmt.Fprintf(&b, "Suscripción: %s activa\n", u.Subscription.Plan)
	} else {
		b.WriteString("Suscripción: ninguna\n")
	}
	_, err := h.svc.Menu.SendEphemeral(ctx, chatID, menu.KindResponse, b.String())
	return err
}

// handleSub activates a subscription for another user. Admin only.
// Usage: /sub <external_id> <plan> [days]
func (h *Handler) handleSub(ctx context.Context, chatID int64, caller *user.User, args string) error {
	if caller.Profile == nil || caller.Profile.Role != store.RoleAdmin {
		return h.reportError(ctx, chatID,
			shared.NewError(shared.KindAccessDenied, access.ReasonRoleForbidden,
				"Solo administradoras pueden gestionar suscripciones."))
	}

	fields := strings.Fields(args)
	if len(fields) < 2 {
		_, err := h.svc.Menu.SendEphemeral(ctx, chatID, menu.KindError,
			"Uso: /sub <id_externo> <plan> [días]")
		return err
	}
	externalID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return h.reportError(ctx, chatID,
			shared.NewError(shared.KindValidation, "external id must be numeric", ""))
	}
	plan := fields[1]
	if plan != store.PlanVIP && plan != store.PlanPremium {
		return h.reportError(ctx, chatID,
			shared.NewError(shared.KindValidation, "unknown plan",
				"Planes disponibles: vip, premium."))
	}

	target, err := h.svc.Users.GetByExternalID(ctx, externalID)
	if err != nil {
		return h.reportError(ctx, chatID, err)
	}

	now := time.Now().UTC()
	var endAt *time.Time
	if len(fields) >= 3 {
		days, err := strconv.Atoi(fields[2])
		if err != nil || days <= 0 {
			return h.reportError(ctx, chatID,
				shared.NewError(shared.KindValidation, "days must be a positive number", ""))
		}
		e := now.AddDate(0, 0, days)
		endAt = &e
	}

	sub, err := h.svc.Rel.ActivateSubscription(ctx, target.InternalID(), plan, now, endAt)
	if err != nil {
		return h.reportError(ctx, chatID, err)
	}

	if h.svc.Pub != nil {
		ev, evErr := bus.NewEvent(bus.TypeSubscriptionActive, target.InternalID(),
			bus.SubscriptionPayload{UserID: target.InternalID(), Plan: sub.Plan, Until: sub.EndAt})
		if evErr == nil {
			_ = h.svc.Pub.Publish(ctx, ev)
		}
	}
	h.logger.Info("subscription activated",
		"admin_id", caller.InternalID(), "user_id", target.InternalID(), "plan", plan)

	_, err = h.svc.Menu.SendEphemeral(ctx, chatID, menu.KindSuccess,
		fmt.Sprintf("Suscripción %s activada para %d.", plan, externalID))
	return err
}

// fragmentMessage renders a fragment with one button per choice.
func fragmentMessage(frag *store.Fragment) menu.Message {
	text := frag.Body
	if frag.Title != "" {
		text = frag.Title + "\n\n" + frag.Body
	}
	var rows [][]menu.Button
	for _, c := range frag.Choices {
		rows = append(rows, []menu.Button{{
			Label: c.Label,
			Data:  fmt.Sprintf("choice:%s:%s", frag.ID, c.ID),
		}})
	}
	return menu.Message{Text: text, Buttons: rows}
}

func rewardNote(o *narrative.ChoiceOutcome) string {
	var parts []string
	if o.RewardCurrency > 0 {
		parts = append(parts, fmt.Sprintf("+%d monedas", o.RewardCurrency))
	}
	if len(o.UnlockedHints) > 0 {
		parts = append(parts, fmt.Sprintf("%d pista(s) nueva(s)", len(o.UnlockedHints)))
	}
	if len(o.GrantedItems) > 0 {
		parts = append(parts, fmt.Sprintf("%d objeto(s)", len(o.GrantedItems)))
	}
	if len(parts) == 0 {
		return ""
	}
	return "Recompensa: " + strings.Join(parts, ", ")
}

// reportError maps a service error to a chat message. Unknown errors
// show a generic apology and are logged with full detail.
func (h *Handler) reportError(ctx context.Context, chatID int64, err error) error {
	msg, buttons := userMessage(err)

	var de *shared.DomainError
	if !errors.As(err, &de) {
		h.logger.Error("unhandled chat error", "chat_id", chatID, "error", err)
	} else {
		h.logger.Debug("chat request rejected",
			"chat_id", chatID, "kind", de.Kind, "reason", de.Reason)
	}

	if len(buttons) > 0 {
		_, sendErr := h.svc.Menu.SendEphemeralMsg(ctx, chatID, menu.KindError,
			menu.Message{Text: msg, Buttons: buttons})
		if sendErr != nil {
			return sendErr
		}
		return err
	}
	if _, sendErr := h.svc.Menu.SendEphemeral(ctx, chatID, menu.KindError, msg); sendErr != nil {
		return sendErr
	}
	return err
}

// userMessage picks the Spanish chat text for a domain error. Guidance,
// when present, rides along verbatim.
func userMessage(err error) (string, [][]menu.Button) {
	var de *shared.DomainError
	if !errors.As(err, &de) {
		return "Algo ha ido mal. Inténtalo de nuevo en un momento.", nil
	}

	var text string
	var buttons [][]menu.Button
	switch de.Kind {
	case shared.KindAccessDenied:
		if de.Reason == access.ReasonVIPRequired {
			text = "Este contenido es solo para VIP."
			buttons = [][]menu.Button{{{Label: "✨ Hazte VIP", Data: "menu:vip"}}}
		} else {
			text = "No tienes acceso a esto."
		}
	case shared.KindInsufficientFunds:
		text = "No tienes monedas suficientes."
	case shared.KindInvalidChoice:
		text = "Esa opción no está disponible para ti."
	case shared.KindNotFound:
		text = "No he encontrado lo que buscas."
	case shared.KindAlreadyExists:
		text = "Eso ya existe."
	case shared.KindValidation:
		text = "No he podido procesar esa petición."
	case shared.KindConflict, shared.KindContentionExceeded:
		text = "Hay mucho movimiento ahora mismo. Inténtalo otra vez."
	case shared.KindServiceDegraded:
		text = "El servicio está teniendo problemas. Vuelve en un momento."
	case shared.KindPartialFailure:
		text = "Algo falló a mitad de la operación. Tu saldo está a salvo."
	default:
		text = "Algo ha ido mal. Inténtalo de nuevo en un momento."
	}

	if de.Guidance != "" {
		text += "\n" + de.Guidance
	}
	return text, buttons
}

func (h *Handler) publishInteraction(ctx context.Context, s Sender, action string) {
	if h.svc.Pub == nil {
		return
	}
	ev, err := bus.NewEvent(bus.TypeUserInteraction, "", bus.InteractionPayload{
		Action:  action,
		Context: strconv.FormatInt(s.ChatID, 10),
	})
	if err != nil {
		return
	}
	_ = h.svc.Pub.Publish(ctx, ev)
}
