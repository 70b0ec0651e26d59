package usecase

import (
	"fmt"

	"github.com/fairyhunter13/command-platform/internal/domain"
)

// StatusService answers the read-only intake queries: command state and
// process state with its transition log.
type StatusService struct {
	Commands  domain.CommandStore
	Processes domain.ProcessStore
}

// NewStatusService constructs a StatusService.
func NewStatusService(commands domain.CommandStore, processes domain.ProcessStore) StatusService {
	return StatusService{Commands: commands, Processes: processes}
}

// GetCommand loads one command by id.
func (s StatusService) GetCommand(ctx domain.Context, id string) (domain.Command, error) {
	if id == "" {
		return domain.Command{}, fmt.Errorf("%w: command id required", domain.ErrInvalidArgument)
	}
	return s.Commands.Get(ctx, id)
}

// GetProcess loads one process instance with its full transition log.
func (s StatusService) GetProcess(ctx domain.Context, id string) (domain.ProcessInstance, []domain.ProcessLogEntry, error) {
	if id == "" {
		return domain.ProcessInstance{}, nil, fmt.Errorf("%w: process id required", domain.ErrInvalidArgument)
	}
	inst, err := s.Processes.Get(ctx, id)
	if err != nil {
		return domain.ProcessInstance{}, nil, err
	}
	log, err := s.Processes.ListLog(ctx, id)
	if err != nil {
		return domain.ProcessInstance{}, nil, err
	}
	return inst, log, nil
}
