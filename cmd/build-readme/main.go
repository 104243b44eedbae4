// cmd/build-readme regenerates README.md from README.md.tmpl and the
// registered slash commands.
package main

import (
	"github.com/rs/zerolog/log"

	"github.com/keshon/gatekeeper/internal/command"
	"github.com/keshon/gatekeeper/internal/docs"
)

func main() {
	cmds := command.All()
	if err := docs.UpdateReadme("README.md.tmpl", "README.md", cmds); err != nil {
		log.Fatal().Err(err).Msg("README generation failed")
	}
	log.Info().Int("commands", len(cmds)).Msg("README.md updated with current commands")
}
