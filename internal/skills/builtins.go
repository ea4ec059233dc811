package skills

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Channels with a send_* builtin. The reasoning loop derives the skill
// name from the action's source.
var sendChannels = []string{"whatsapp", "telegram", "email", "gateway"}

// RegisterBuiltins wires the built-in skill set against the provided
// capabilities. Families whose capability is nil are skipped.
func RegisterBuiltins(r *Registry, caps Caps) error {
	register := func(s *Skill) error {
		s.Source = "builtin"
		return r.Register(s)
	}

	if caps.Outbound != nil {
		for _, channel := range sendChannels {
			ch := channel
			if err := register(&Skill{
				Name:        "send_" + ch,
				Description: fmt.Sprintf("Send a message to the user over %s.", ch),
				Usage:       fmt.Sprintf(`send_%s {"to": "<recipient id>", "text": "<message>"}`, ch),
				Handler: func(ctx context.Context, args Args) (string, error) {
					text := args.String("text")
					if text == "" {
						return "", fmt.Errorf("send_%s requires text", ch)
					}
					if err := caps.Outbound.Send(ctx, ch, args.String("to"), text); err != nil {
						return "", err
					}
					return "message sent via " + ch, nil
				},
			}); err != nil {
				return err
			}
		}
		if err := register(&Skill{
			Name:        "reply_whatsapp_status",
			Description: "React to a WhatsApp status update from a contact.",
			Usage:       `reply_whatsapp_status {"to": "<contact id>", "text": "<reaction>"}`,
			Handler: func(ctx context.Context, args Args) (string, error) {
				text := args.String("text")
				if text == "" {
					return "", fmt.Errorf("reply_whatsapp_status requires text")
				}
				if err := caps.Outbound.Send(ctx, "whatsapp", args.String("to"), text); err != nil {
					return "", err
				}
				return "status reply sent", nil
			},
		}); err != nil {
			return err
		}
	}

	if err := register(&Skill{
		Name:        "self_repair_skill",
		Description: "Inspect or rewrite a broken skill plugin manifest. Call without content to read the current manifest, then call again with the corrected content.",
		Usage:       `self_repair_skill {"skill": "<name>", "content": "<full corrected manifest, optional>"}`,
		Handler:     r.selfRepairHandler(),
	}); err != nil {
		return err
	}

	if err := register(&Skill{
		Name:        "skill_activate",
		Description: "Load the full instructions of a skill package into context.",
		Usage:       `skill_activate {"name": "<package name>"}`,
		Handler: func(ctx context.Context, args Args) (string, error) {
			name := args.String("name")
			if name == "" {
				return "", fmt.Errorf("skill_activate requires a name")
			}
			if r.packages == nil {
				return "", fmt.Errorf("no skill packages available")
			}
			if err := r.packages.Activate(name); err != nil {
				return "", err
			}
			return "activated skill package " + name, nil
		},
	}); err != nil {
		return err
	}

	if err := register(&Skill{
		Name:        "skill_resource",
		Description: "Read a file shipped inside an activated skill package.",
		Usage:       `skill_resource {"package": "<name>", "path": "<relative path>"}`,
		Handler: func(ctx context.Context, args Args) (string, error) {
			if r.packages == nil {
				return "", fmt.Errorf("no skill packages available")
			}
			return r.packages.ReadResource(args.String("package"), args.String("path"))
		},
	}); err != nil {
		return err
	}

	if caps.Memory != nil {
		memSkills := []*Skill{
			{
				Name:        "memory_search",
				Description: "Search long-term and episodic memory for entries relevant to a query.",
				Usage:       `memory_search {"query": "<text>", "limit": 5}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					query := args.String("query")
					if query == "" {
						return "", fmt.Errorf("memory_search requires a query")
					}
					hits := caps.Memory.SemanticSearchText(query, args.Int("limit", 5))
					if len(hits) == 0 {
						return "no matching memories", nil
					}
					return strings.Join(hits, "\n"), nil
				},
			},
			{
				Name:        "memory_save",
				Description: "Persist an important fact to memory so it survives this task.",
				Usage:       `memory_save {"scope": "<session scope id>", "content": "<fact>"}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					content := args.String("content")
					if content == "" {
						return "", fmt.Errorf("memory_save requires content")
					}
					if err := caps.Memory.SaveShort(args.String("scope"), content, map[string]string{"origin": "skill"}); err != nil {
						return "", err
					}
					return "memory saved", nil
				},
			},
			{
				Name:        "journal_append",
				Description: "Append a line to the daily activity journal.",
				Usage:       `journal_append {"text": "<entry>"}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					text := args.String("text")
					if text == "" {
						return "", fmt.Errorf("journal_append requires text")
					}
					if err := caps.Memory.AppendJournal(text); err != nil {
						return "", err
					}
					return "journal updated", nil
				},
			},
			{
				Name:        "learning_append",
				Description: "Record a lesson learned so future tasks avoid the same mistake.",
				Usage:       `learning_append {"text": "<lesson>"}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					text := args.String("text")
					if text == "" {
						return "", fmt.Errorf("learning_append requires text")
					}
					if err := caps.Memory.AppendLearning(text); err != nil {
						return "", err
					}
					return "lesson recorded", nil
				},
			},
		}
		for _, s := range memSkills {
			if err := register(s); err != nil {
				return err
			}
		}
	}

	if caps.Queue != nil {
		queueSkills := []*Skill{
			{
				Name:        "queue_push",
				Description: "Queue a follow-up task for later execution.",
				Usage:       `queue_push {"description": "<task>", "priority": 5}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					desc := args.String("description")
					if desc == "" {
						return "", fmt.Errorf("queue_push requires a description")
					}
					id, err := caps.Queue.Push(desc, args.Int("priority", 5), map[string]interface{}{"origin": "skill"})
					if err != nil {
						return "", err
					}
					return "queued task " + id, nil
				},
			},
			{
				Name:        "queue_status",
				Description: "Report how many tasks are pending, running, waiting and finished.",
				Usage:       `queue_status {}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					return caps.Queue.CountsText(), nil
				},
			},
			{
				Name:        "queue_cancel",
				Description: "Cancel a queued task by id.",
				Usage:       `queue_cancel {"id": "<action id>", "reason": "<why>"}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					id := args.String("id")
					if id == "" {
						return "", fmt.Errorf("queue_cancel requires an id")
					}
					if err := caps.Queue.Cancel(id, args.String("reason")); err != nil {
						return "", err
					}
					return "cancelled " + id, nil
				},
			},
		}
		for _, s := range queueSkills {
			if err := register(s); err != nil {
				return err
			}
		}
	}

	if caps.Orchestrator != nil {
		orchSkills := []*Skill{
			{
				Name:        "agent_spawn",
				Description: "Spawn a named sub-agent with a role description.",
				Usage:       `agent_spawn {"name": "<name>", "role": "<what it is for>"}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					id, err := caps.Orchestrator.Spawn(args.String("name"), args.String("role"))
					if err != nil {
						return "", err
					}
					return "spawned sub-agent " + id, nil
				},
			},
			{
				Name:        "agent_delegate",
				Description: "Delegate a task to a sub-agent.",
				Usage:       `agent_delegate {"agent": "<sub-agent id>", "task": "<description>", "priority": 5}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					id, err := caps.Orchestrator.Delegate(args.String("agent"), args.String("task"), args.Int("priority", 5))
					if err != nil {
						return "", err
					}
					return "delegated as action " + id, nil
				},
			},
			{
				Name:        "agent_send",
				Description: "Send a message to a sub-agent.",
				Usage:       `agent_send {"agent": "<sub-agent id>", "text": "<message>"}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					if err := caps.Orchestrator.Send(args.String("agent"), args.String("text")); err != nil {
						return "", err
					}
					return "message delivered", nil
				},
			},
			{
				Name:        "agent_broadcast",
				Description: "Broadcast a message to every active sub-agent.",
				Usage:       `agent_broadcast {"text": "<message>"}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					if err := caps.Orchestrator.Broadcast(args.String("text")); err != nil {
						return "", err
					}
					return "broadcast delivered", nil
				},
			},
			{
				Name:        "agent_list",
				Description: "List active sub-agents and their status.",
				Usage:       `agent_list {}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					return caps.Orchestrator.ListText(), nil
				},
			},
			{
				Name:        "agent_task_complete",
				Description: "Report a delegated task as finished, releasing the sub-agent and annotating the parent action.",
				Usage:       `agent_task_complete {"task": "<action id>", "result": "<what was produced>"}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					if err := caps.Orchestrator.Complete(args.String("task"), args.String("result")); err != nil {
						return "", err
					}
					return "task settled", nil
				},
			},
			{
				Name:        "agent_task_fail",
				Description: "Report a delegated task as failed, releasing the sub-agent and recording the error on the parent action.",
				Usage:       `agent_task_fail {"task": "<action id>", "error": "<what went wrong>"}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					if err := caps.Orchestrator.Fail(args.String("task"), args.String("error")); err != nil {
						return "", err
					}
					return "task settled as failed", nil
				},
			},
			{
				Name:        "agent_terminate",
				Description: "Terminate a sub-agent and cancel its outstanding work.",
				Usage:       `agent_terminate {"agent": "<sub-agent id>"}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					if err := caps.Orchestrator.Terminate(args.String("agent")); err != nil {
						return "", err
					}
					return "terminated", nil
				},
			},
		}
		for _, s := range orchSkills {
			if err := register(s); err != nil {
				return err
			}
		}
	}

	if caps.Browser != nil {
		browserSkills := []*Skill{
			{
				Name:        "browser_navigate",
				Description: "Open a URL in the headless browser and return the page text.",
				Usage:       `browser_navigate {"url": "https://..."}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					url := args.String("url")
					if url == "" {
						return "", fmt.Errorf("browser_navigate requires a url")
					}
					return caps.Browser.Navigate(ctx, url)
				},
			},
			{
				Name:        "browser_status",
				Description: "Report whether the headless browser is installed and running.",
				Usage:       `browser_status {}`,
				Handler: func(ctx context.Context, args Args) (string, error) {
					return caps.Browser.Status(), nil
				},
			},
		}
		for _, s := range browserSkills {
			if err := register(s); err != nil {
				return err
			}
		}
	}

	return nil
}

// selfRepairHandler reads a plugin manifest so the model can see what
// is broken, or rewrites it and reloads when corrected content is
// supplied.
func (r *Registry) selfRepairHandler() Handler {
	return func(ctx context.Context, args Args) (string, error) {
		name := args.String("skill")
		if name == "" {
			return "", fmt.Errorf("self_repair_skill requires a skill name")
		}
		path := r.pluginPathFor(name)

		content := args.String("content")
		if content == "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("read plugin %s: %w", name, err)
			}
			r.mu.RLock()
			lastErr := r.pluginErrs[path]
			r.mu.RUnlock()
			if lastErr != "" {
				return fmt.Sprintf("load error: %s\n\ncurrent manifest:\n%s", lastErr, data), nil
			}
			return string(data), nil
		}

		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return "", fmt.Errorf("write plugin %s: %w", name, err)
		}
		if err := r.loadPluginFile(ctx, path); err != nil {
			return "", fmt.Errorf("repaired manifest still fails: %w", err)
		}
		return fmt.Sprintf("skill %s repaired and reloaded", name), nil
	}
}

// pluginPathFor maps a skill name to its manifest path, falling back to
// the conventional <pluginDir>/<name>.json5 for files that never loaded.
func (r *Registry) pluginPathFor(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for path, skillName := range r.pluginFiles {
		if skillName == name {
			return path
		}
	}
	return filepath.Join(r.pluginDir, name+pluginExt)
}
