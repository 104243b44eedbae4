package command

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"

	st "github.com/keshon/gatekeeper/internal/storagetypes"
	"github.com/keshon/gatekeeper/internal/verification"
)

const (
	verifyStartID  = "verify:start"
	verifyCodeID   = "verify:code"
	verifyMathID   = "verify:math"
	verifyFinishID = "verify:finish"

	codeInputID = "code"
	mathInputID = "answer"
)

type VerifyCommand struct{}

func (c *VerifyCommand) Name() string        { return "verify" }
func (c *VerifyCommand) Description() string { return "Prove you are human to get access to the server" }
func (c *VerifyCommand) Group() string       { return "verification" }
func (c *VerifyCommand) Category() string    { return "🛡️ Verification" }
func (c *VerifyCommand) RequireAdmin() bool  { return false }

func (c *VerifyCommand) SlashDefinition() *discordgo.ApplicationCommand {
	return &discordgo.ApplicationCommand{
		Name:        c.Name(),
		Description: c.Description(),
		Type:        discordgo.ChatApplicationCommand,
	}
}

func (c *VerifyCommand) Run(ctx interface{}) error {
	slash, ok := ctx.(*SlashInteractionContext)
	if !ok {
		return nil
	}
	return c.start(slash.Session, slash.Event, &slash.Deps)
}

func (c *VerifyCommand) Component(ctx *ComponentInteractionContext) error {
	s, i, deps := ctx.Session, ctx.Event, &ctx.Deps
	user := interactionUser(i)
	bg := context.Background()

	switch i.MessageComponentData().CustomID {
	case verifyStartID:
		return c.start(s, i, deps)

	case verifyCodeID:
		if err := deps.Verification.RecordInteraction(bg, i.GuildID, user.ID); err != nil {
			return s.InteractionRespond(i.Interaction, ephemeralEmbed(errorEmbed(verificationErrorText(err))))
		}
		return s.InteractionRespond(i.Interaction, answerModal(verifyCodeID, "Verification code", codeInputID, "Type the code shown above", 6))

	case verifyMathID:
		if err := deps.Verification.RecordInteraction(bg, i.GuildID, user.ID); err != nil {
			return s.InteractionRespond(i.Interaction, ephemeralEmbed(errorEmbed(verificationErrorText(err))))
		}
		return s.InteractionRespond(i.Interaction, answerModal(verifyMathID, "Math problem", mathInputID, "Your answer", 6))

	case verifyFinishID:
		res, err := deps.Verification.FinalizeRecorded(bg, i.GuildID, user.ID)
		if err != nil {
			if errors.Is(err, verification.ErrStepsIncomplete) || errors.Is(err, verification.ErrNoPending) {
				return s.InteractionRespond(i.Interaction, ephemeralEmbed(errorEmbed(verificationErrorText(err))))
			}
			return err
		}
		return s.InteractionRespond(i.Interaction, updateEmbed(finalizeEmbed(res)))
	}
	return nil
}

func (c *VerifyCommand) ModalSubmit(ctx *ComponentInteractionContext) error {
	s, i, deps := ctx.Session, ctx.Event, &ctx.Deps
	user := interactionUser(i)
	data := i.ModalSubmitData()
	answer := modalValue(data, codeInputID, mathInputID)
	bg := context.Background()

	var (
		res verification.StepResult
		err error
	)
	switch data.CustomID {
	case verifyCodeID:
		res, err = deps.Verification.SubmitCode(bg, i.GuildID, user.ID, answer)
	case verifyMathID:
		n, convErr := strconv.Atoi(strings.TrimSpace(answer))
		if convErr != nil {
			return s.InteractionRespond(i.Interaction, ephemeralEmbed(errorEmbed("The answer must be a whole number. Try again.")))
		}
		res, err = deps.Verification.SubmitMath(bg, i.GuildID, user.ID, n)
	default:
		return nil
	}
	if err != nil {
		if errors.Is(err, verification.ErrNoPending) || errors.Is(err, verification.ErrStepNotRequired) {
			return s.InteractionRespond(i.Interaction, ephemeralEmbed(errorEmbed(verificationErrorText(err))))
		}
		return err
	}

	status, err := deps.Verification.Status(bg, i.GuildID, user.ID)
	if err != nil {
		return err
	}
	if status.Pending == nil {
		return s.InteractionRespond(i.Interaction, ephemeralEmbed(errorEmbed(verificationErrorText(verification.ErrNoPending))))
	}
	embed, components := challengeEmbed(status.Pending)
	embed.Footer = &discordgo.MessageEmbedFooter{Text: stepFeedback(res)}
	return s.InteractionRespond(i.Interaction, updateEmbed(embed, components...))
}

func (c *VerifyCommand) start(s *discordgo.Session, i *discordgo.InteractionCreate, deps *Deps) error {
	user := interactionUser(i)
	res, err := deps.Verification.Start(context.Background(), i.GuildID, user.ID)
	if err != nil {
		return fmt.Errorf("start verification: %w", err)
	}
	if res.Outcome != verification.OutcomeChallengeIssued {
		return s.InteractionRespond(i.Interaction, ephemeralEmbed(startRejectionEmbed(res)))
	}
	embed, components := challengeEmbed(res.Pending)
	return s.InteractionRespond(i.Interaction, ephemeralEmbed(embed, components...))
}

// challengeEmbed renders the outstanding steps of a pending verification.
func challengeEmbed(p *st.PendingVerification) (*discordgo.MessageEmbed, []discordgo.MessageComponent) {
	embed := &discordgo.MessageEmbed{
		Title: "🛡️ Verification",
		Color: EmbedColor,
	}

	var lines []string
	var buttons []discordgo.MessageComponent
	if slices.Contains(p.Required, st.StepCode) {
		if p.HasCompleted(st.StepCode) {
			lines = append(lines, "✅ Code entered")
		} else {
			lines = append(lines, fmt.Sprintf("🔤 Type this code: **`%s`**", p.Code))
			buttons = append(buttons, discordgo.Button{Label: "Enter code", Style: discordgo.PrimaryButton, CustomID: verifyCodeID})
		}
	}
	if slices.Contains(p.Required, st.StepMath) && p.Math != nil {
		if p.HasCompleted(st.StepMath) {
			lines = append(lines, "✅ Math problem solved")
		} else {
			lines = append(lines, fmt.Sprintf("🧮 Solve: **%s**", p.Math.Problem))
			buttons = append(buttons, discordgo.Button{Label: "Solve problem", Style: discordgo.PrimaryButton, CustomID: verifyMathID})
		}
	}
	if len(p.Outstanding()) == 0 {
		lines = append(lines, "All steps done. Press **Complete verification** to finish.")
	}
	lines = append(lines, fmt.Sprintf("This challenge expires <t:%d:R>.", p.ExpiresAt.Unix()))
	embed.Description = strings.Join(lines, "\n")

	buttons = append(buttons, discordgo.Button{
		Label:    "Complete verification",
		Style:    discordgo.SuccessButton,
		CustomID: verifyFinishID,
		Disabled: len(p.Outstanding()) > 0,
	})
	return embed, []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}}
}

func startRejectionEmbed(res verification.StartResult) *discordgo.MessageEmbed {
	switch res.Outcome {
	case verification.OutcomeAlreadyVerified:
		return &discordgo.MessageEmbed{Title: "Already verified", Description: "You are already verified on this server.", Color: SuccessColor}
	case verification.OutcomeDisabled:
		return errorEmbed("Verification is not enabled on this server.")
	case verification.OutcomeBotRejected:
		return errorEmbed("Bot accounts cannot be verified.")
	case verification.OutcomeAccountTooNew:
		return errorEmbed(fmt.Sprintf("Your account is too new. %s.", capitalize(res.Reason)))
	}
	return errorEmbed(res.Reason)
}

func finalizeEmbed(res verification.FinalizeResult) *discordgo.MessageEmbed {
	if res.Outcome == verification.OutcomeRejected {
		return &discordgo.MessageEmbed{
			Title:       "❌ Verification failed",
			Description: "We could not confirm you are human. Run `/verify` to try again.",
			Color:       ErrorColor,
			Footer:      &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Score %d/100", res.Score)},
		}
	}
	embed := &discordgo.MessageEmbed{
		Title:       "✅ Verified",
		Description: "Welcome! You now have access to the server.",
		Color:       SuccessColor,
		Footer:      &discordgo.MessageEmbedFooter{Text: fmt.Sprintf("Score %d/100", res.Score)},
	}
	if res.RoleErr != nil {
		embed.Description = "You passed verification, but the verified role could not be assigned. Please contact a moderator."
		embed.Color = ErrorColor
	}
	return embed
}

func stepFeedback(res verification.StepResult) string {
	if res.Outcome == verification.OutcomeStepRejected {
		return "That answer was wrong. Try again."
	}
	return "Correct!"
}

func verificationErrorText(err error) string {
	switch {
	case errors.Is(err, verification.ErrNoPending):
		return "Your verification session expired or was never started. Run `/verify` to begin."
	case errors.Is(err, verification.ErrStepsIncomplete):
		return "Finish every step before completing verification."
	case errors.Is(err, verification.ErrStepNotRequired):
		return "That step is not part of your challenge."
	}
	return "Something went wrong. Please try again."
}

func answerModal(customID, title, inputID, label string, maxLen int) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: customID,
			Title:    title,
			Components: []discordgo.MessageComponent{
				discordgo.ActionsRow{Components: []discordgo.MessageComponent{
					discordgo.TextInput{
						CustomID:  inputID,
						Label:     label,
						Style:     discordgo.TextInputShort,
						Required:  true,
						MinLength: 1,
						MaxLength: maxLen,
					},
				}},
			},
		},
	}
}

// modalValue returns the first text input in data whose ID is one of ids.
func modalValue(data discordgo.ModalSubmitInteractionData, ids ...string) string {
	for _, row := range data.Components {
		ar, ok := row.(*discordgo.ActionsRow)
		if !ok {
			continue
		}
		for _, comp := range ar.Components {
			input, ok := comp.(*discordgo.TextInput)
			if !ok {
				continue
			}
			for _, id := range ids {
				if input.CustomID == id {
					return input.Value
				}
			}
		}
	}
	return ""
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func init() {
	Register(ApplyMiddlewares(&VerifyCommand{}, WithGuildOnly(), WithCommandLog()))
}
