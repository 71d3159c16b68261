package main

import (
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/homework-grader/internal/config"
	"github.com/sells-group/homework-grader/internal/grading"
	"github.com/sells-group/homework-grader/internal/prompt"
	"github.com/sells-group/homework-grader/internal/rubric"
	"github.com/sells-group/homework-grader/internal/throttle"
)

// graderEnv holds the long-lived pieces shared by the grade and serve
// commands. The origin registry lives as long as the process.
type graderEnv struct {
	Config       *config.Config
	Registry     *throttle.Registry
	Orchestrator *grading.Orchestrator
	Coordinator  *grading.Coordinator
}

// initGrader wires the grading pipeline from c.
func initGrader(c *config.Config) (*graderEnv, error) {
	if c == nil {
		return nil, eris.New("grader: configuration not loaded")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	env := &graderEnv{
		Config:   c,
		Registry: throttle.NewRegistry(c.Grading.OriginConcurrency, c.Grading.OriginRPS),
	}
	compiler, err := env.loadCompiler()
	if err != nil {
		return nil, err
	}
	env.Orchestrator = grading.NewOrchestrator(env.Registry, compiler, grading.GatewayFactory(c.Grading))
	env.Coordinator = grading.NewCoordinator(env.Orchestrator, env.loadRubric, c.Grading)

	zap.L().Debug("grader initialized",
		zap.String("data_dir", c.Grading.DataDir),
		zap.Int("file_concurrency", c.Grading.FileConcurrency),
		zap.Int("origin_concurrency", env.Registry.PerOrigin()),
	)
	return env, nil
}

// loadRubric reads the prompt configuration from disk so edits take effect
// on the next batch.
func (e *graderEnv) loadRubric() (*rubric.Config, error) {
	return rubric.Load(e.Config.Grading.PromptConfigPath)
}

func (e *graderEnv) loadCompiler() (*prompt.Compiler, error) {
	sections, err := rubric.LoadMarkdownSections(e.Config.Grading.PromptsMDPath)
	if err != nil {
		return nil, err
	}
	return prompt.NewCompiler(sections), nil
}

// reloadPrompts picks up a rewritten prompts.md.
func (e *graderEnv) reloadPrompts() error {
	c, err := e.loadCompiler()
	if err != nil {
		return err
	}
	e.Orchestrator.SetCompiler(c)
	return nil
}
