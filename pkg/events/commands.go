package events

type CommandType string

const (
	CommandSubscribe   CommandType = "subscribe"
	CommandUnsubscribe CommandType = "unsubscribe"
)

type ResourceType string

const (
	ResourceWorkflow   ResourceType = "workflow"
	ResourceExecutions ResourceType = "executions"
)

// Command is the outbound subscription envelope sent over the push
// connection.
type Command struct {
	Type     CommandType  `json:"type"`
	Resource ResourceType `json:"resource"`
	ID       string       `json:"id,omitempty"`
}

func SubscribeToWorkflow(workflowID string) Command {
	return Command{Type: CommandSubscribe, Resource: ResourceWorkflow, ID: workflowID}
}

func UnsubscribeFromWorkflow(workflowID string) Command {
	return Command{Type: CommandUnsubscribe, Resource: ResourceWorkflow, ID: workflowID}
}

func SubscribeToExecutions() Command {
	return Command{Type: CommandSubscribe, Resource: ResourceExecutions}
}

func UnsubscribeFromExecutions() Command {
	return Command{Type: CommandUnsubscribe, Resource: ResourceExecutions}
}
