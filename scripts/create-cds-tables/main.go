package main

import (
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"renalwatch-cds/internal/config"
	"renalwatch-cds/pkg/database"
)

const schema = `
CREATE TABLE IF NOT EXISTS alert_definitions (
    alert_id           UUID PRIMARY KEY,
    tenant_id          UUID NOT NULL,
    rule_id            VARCHAR(128) NOT NULL,
    name               VARCHAR(255) NOT NULL,
    category           VARCHAR(32) NOT NULL,
    severity           VARCHAR(16) NOT NULL,
    enabled            BOOLEAN NOT NULL DEFAULT false,
    visibility         VARCHAR(16) NOT NULL DEFAULT 'clinician',
    rationale_template TEXT NOT NULL DEFAULT '',
    suggested_actions  JSONB NOT NULL DEFAULT '[]',
    patient_safe_copy  TEXT NOT NULL DEFAULT '',
    created_at         TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (tenant_id, rule_id)
);

CREATE TABLE IF NOT EXISTS alert_rule_versions (
    version_id         UUID PRIMARY KEY,
    tenant_id          UUID NOT NULL,
    alert_id           UUID NOT NULL REFERENCES alert_definitions(alert_id),
    version            INTEGER NOT NULL,
    trigger_conditions JSONB NOT NULL,
    suppression        JSONB,
    escalation         JSONB,
    severity           VARCHAR(16) NOT NULL,
    enabled            BOOLEAN NOT NULL DEFAULT false,
    effective_from     TIMESTAMPTZ,
    effective_to       TIMESTAMPTZ,
    display_priority   INTEGER NOT NULL DEFAULT 0,
    created_by         VARCHAR(128) NOT NULL,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    approved_by        VARCHAR(128),
    approved_at        TIMESTAMPTZ,
    change_reason      TEXT NOT NULL DEFAULT '',
    deprecated         BOOLEAN NOT NULL DEFAULT false,
    deprecated_by      VARCHAR(128),
    deprecated_at      TIMESTAMPTZ,
    UNIQUE (tenant_id, alert_id, version)
);

-- 同一 alert 任一时刻最多一个激活版本
CREATE UNIQUE INDEX IF NOT EXISTS idx_rule_versions_single_enabled
    ON alert_rule_versions (tenant_id, alert_id)
    WHERE enabled = true;

CREATE TABLE IF NOT EXISTS alert_instances (
    instance_id           UUID PRIMARY KEY,
    tenant_id             UUID NOT NULL,
    alert_id              UUID NOT NULL,
    rule_id               VARCHAR(128) NOT NULL,
    version_id            UUID NOT NULL,
    patient_id            UUID NOT NULL,
    doctor_id             UUID,
    severity              VARCHAR(16) NOT NULL,
    rationale             TEXT NOT NULL DEFAULT '',
    supporting_datapoints JSONB NOT NULL DEFAULT '[]',
    suggested_actions     JSONB NOT NULL DEFAULT '[]',
    visibility            VARCHAR(16) NOT NULL DEFAULT 'clinician',
    fired_at              TIMESTAMPTZ NOT NULL,
    acknowledged_at       TIMESTAMPTZ,
    acknowledged_by       VARCHAR(128),
    acknowledged_note     TEXT,
    suppressed            BOOLEAN NOT NULL DEFAULT false,
    suppression_reason    TEXT,
    escalated             BOOLEAN NOT NULL DEFAULT false,
    escalated_at          TIMESTAMPTZ,
    cooldown_expiry       TIMESTAMPTZ NOT NULL,
    created_at            TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at            TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_alert_instances_dedup
    ON alert_instances (tenant_id, rule_id, patient_id, fired_at DESC)
    WHERE suppressed = false;

CREATE INDEX IF NOT EXISTS idx_alert_instances_open
    ON alert_instances (tenant_id, patient_id)
    WHERE suppressed = false AND acknowledged_at IS NULL;

CREATE TABLE IF NOT EXISTS alert_audit_log (
    audit_id    UUID PRIMARY KEY,
    tenant_id   UUID NOT NULL,
    instance_id UUID NOT NULL,
    action      VARCHAR(32) NOT NULL,
    actor_id    VARCHAR(128) NOT NULL,
    actor_role  VARCHAR(64) NOT NULL,
    details     TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_alert_audit_instance
    ON alert_audit_log (tenant_id, instance_id, created_at DESC);
`

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to execute SQL: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✅ CDS alert engine tables created successfully!")
}
