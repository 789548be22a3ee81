package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS chats (
  id TEXT PRIMARY KEY,
  last_interaction_at TEXT NOT NULL,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
  id TEXT PRIMARY KEY,
  chat_id TEXT NOT NULL,
  parent_id TEXT,
  participant TEXT NOT NULL,
  parts TEXT NOT NULL,
  created_at TEXT NOT NULL,
  FOREIGN KEY(chat_id) REFERENCES chats(id)
);

CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id);
CREATE INDEX IF NOT EXISTS idx_messages_parent_id ON messages(parent_id);

CREATE TABLE IF NOT EXISTS runs (
  message_id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  input_message TEXT,
  final_text TEXT,
  error_details TEXT,
  started_at TEXT,
  completed_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  FOREIGN KEY(message_id) REFERENCES messages(id)
);

CREATE TABLE IF NOT EXISTS run_events (
  id TEXT PRIMARY KEY,
  message_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  kind TEXT NOT NULL,
  text TEXT,
  payload TEXT,
  created_at TEXT NOT NULL,
  FOREIGN KEY(message_id) REFERENCES runs(message_id)
);

CREATE INDEX IF NOT EXISTS idx_run_events_message_seq ON run_events(message_id, seq);

CREATE TABLE IF NOT EXISTS work_items (
  id TEXT PRIMARY KEY,
  chat_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  agent_id TEXT,
  model_id TEXT,
  adk_user_id TEXT,
  status TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_work_items_status_created ON work_items(status, created_at);

CREATE TABLE IF NOT EXISTS participants (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  platform TEXT,
  url TEXT,
  streaming INTEGER NOT NULL DEFAULT 0,
  deployment_id TEXT,
  model_name TEXT,
  created_at TEXT NOT NULL
);
`
