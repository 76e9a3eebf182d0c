package scheduler

// Client is a skill-scoped view of the scheduler. Every task name passing
// through it is prefixed with the skill name ("email" registering "poll"
// owns "email.poll"), so two skills can never collide.
type Client struct {
	namespace string
	s         *Scheduler
}

// ClientFor returns the namespaced client for a skill.
func (s *Scheduler) ClientFor(skill string) *Client {
	return &Client{namespace: skill, s: s}
}

// Namespace returns the skill prefix this client applies.
func (c *Client) Namespace() string { return c.namespace }

// RegisterTask installs def under the client's namespace.
func (c *Client) RegisterTask(def TaskDef, override *Override) error {
	def.Name = qualifiedName(c.namespace, def.Name)
	return c.s.RegisterTask(def, override)
}

// ToggleTask enables or disables a task owned by this client.
func (c *Client) ToggleTask(name string, enabled bool) error {
	return c.s.ToggleTask(qualifiedName(c.namespace, name), enabled)
}

// RemoveTask deletes a task owned by this client.
func (c *Client) RemoveTask(name string) {
	c.s.RemoveTask(qualifiedName(c.namespace, name))
}

// Task returns the snapshot of a task owned by this client.
func (c *Client) Task(name string) (Snapshot, bool) {
	return c.s.Task(qualifiedName(c.namespace, name))
}
