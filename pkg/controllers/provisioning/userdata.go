package provisioning

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const (
	envPathPrimary  = "/usr/local/etc/jenkins-qemu/jenkins-agent.env"
	envPathFallback = "/etc/jenkins-agent.env"
	bootstrapPath   = "/usr/local/bin/start-jenkins-inbound-agent.sh"
)

// bootstrapScript starts the inbound agent on first boot. Every stage prints
// a BOOTSTRAP_STAGE marker to the log and the console so a stalled boot can
// be diagnosed from the host.
const bootstrapScript = `#!/usr/bin/env bash
set -eu

ENV_PRIMARY=` + envPathPrimary + `
ENV_FALLBACK=` + envPathFallback + `
BOOTSTRAP_LOG=/var/log/jenkins-agent-bootstrap.log

stage() {
  local name="$1"
  local detail="${2:-}"
  local line="BOOTSTRAP_STAGE=${name} NODE=${JENKINS_NODE_NAME:-unknown} DETAIL=${detail}"
  printf '%s\n' "$line" | tee -a "$BOOTSTRAP_LOG"
  if [ -w /dev/console ]; then
    printf '%s\n' "$line" > /dev/console || true
  fi
}

stage "start"
if [ -f "$ENV_PRIMARY" ]; then
  . "$ENV_PRIMARY"
  stage "env_loaded" "$ENV_PRIMARY"
elif [ -f "$ENV_FALLBACK" ]; then
  . "$ENV_FALLBACK"
  stage "env_loaded" "$ENV_FALLBACK"
else
  stage "env_missing"
  echo "missing jenkins agent env file" >&2
  exit 1
fi

AGENT_DIR=/opt/jenkins-agent
AGENT_JAR="$AGENT_DIR/agent.jar"
WORK_DIR=/home/jenkins
LOG_FILE=/var/log/jenkins-agent.log

mkdir -p "$AGENT_DIR" "$WORK_DIR"
touch "$LOG_FILE"
stage "dirs_ready" "$AGENT_DIR"

if ! command -v java >/dev/null 2>&1; then
  stage "java_missing"
  echo "java not found in PATH" >&2
  exit 1
fi
stage "java_ok" "$(command -v java)"

if command -v curl >/dev/null 2>&1; then
  curl -fsSL "$JENKINS_URL/jnlpJars/agent.jar" -o "$AGENT_JAR"
  stage "agent_download_ok" "curl"
elif command -v fetch >/dev/null 2>&1; then
  fetch -o "$AGENT_JAR" "$JENKINS_URL/jnlpJars/agent.jar"
  stage "agent_download_ok" "fetch"
else
  stage "downloader_missing"
  echo "neither curl nor fetch is available" >&2
  exit 1
fi

stage "agent_launch_start" "$JENKINS_URL"
exec java -jar "$AGENT_JAR" \
  -url "$JENKINS_URL" \
  -name "$JENKINS_NODE_NAME" \
  -secret "$JENKINS_JNLP_SECRET" \
  -workDir "$WORK_DIR" \
  >> "$LOG_FILE" 2>&1
`

// BuildCloudInitUserData renders the first-boot payload: the agent
// environment file (written to a primary and a fallback path so both Linux
// and BSD images find it) plus the bootstrap script, launched in the
// background by runcmd.
func BuildCloudInitUserData(jenkinsURL, nodeName, jnlpSecret string) string {
	envFile := fmt.Sprintf("JENKINS_URL=%s\nJENKINS_NODE_NAME=%s\nJENKINS_JNLP_SECRET=%s\n",
		shellSingleQuote(strings.TrimRight(jenkinsURL, "/")),
		shellSingleQuote(nodeName),
		shellSingleQuote(jnlpSecret))

	var b strings.Builder
	b.WriteString("#cloud-config\n")
	b.WriteString("write_files:\n")
	for _, path := range []string{envPathPrimary, envPathFallback} {
		fmt.Fprintf(&b, "  - path: %s\n", path)
		b.WriteString("    permissions: '0600'\n")
		b.WriteString("    content: |\n")
		b.WriteString(indent(envFile, 6))
	}
	fmt.Fprintf(&b, "  - path: %s\n", bootstrapPath)
	b.WriteString("    permissions: '0755'\n")
	b.WriteString("    content: |\n")
	b.WriteString(indent(bootstrapScript, 6))
	b.WriteString("runcmd:\n")
	fmt.Fprintf(&b, "  - [ /usr/bin/env, bash, -c, \"nohup %s >> /var/log/jenkins-agent-bootstrap.log 2>&1 &\" ]\n", bootstrapPath)
	return b.String()
}

// EncodeUserData base64-encodes the payload for transport to the node agent.
func EncodeUserData(userData string) string {
	return base64.StdEncoding.EncodeToString([]byte(userData))
}

func shellSingleQuote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

func indent(text string, spaces int) string {
	prefix := strings.Repeat(" ", spaces)
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		if line == "" {
			b.WriteString("\n")
			continue
		}
		b.WriteString(prefix)
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
