// Package bootstrap renders the first-boot script of a run's instance.
//
// The script installs prerequisites and exports the queue identity and message
// prefix for the event producer. It then installs a callback plugin that
// prints the relay's line protocol, runs the play through `abbey relay` and
// removes its working directory.
package bootstrap

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// BaseDir is the instance-side working directory.
const BaseDir = "/var/tmp/abbey"

// ErrMissingParam is returned when a required parameter is empty.
var ErrMissingParam = errors.New("missing bootstrap parameter")

// Params are the inputs of the first-boot script.
type Params struct {
	QueueName string
	Region    string
	Transport string
	NATSURL   string
	RedisURL  string

	Environment string
	Deployment  string
	Play        string

	ConfigurationRepo    string
	ConfigurationVersion string
	SecureRepo           string
	SecureVersion        string
	PlaybookDir          string // relative to the configuration checkout

	// Identity is a private key used to clone SecureRepo. Empty skips the
	// secure checkout.
	Identity string

	// SecureVars overrides the secure vars file, relative to the secure checkout.
	SecureVars string

	// RelayBinaryURL, when set, is downloaded to /usr/local/bin/abbey.
	RelayBinaryURL string

	// ExtraVars are merged over the generated extra-vars document.
	ExtraVars map[string]any
}

// Secure reports whether the secure repository is cloned.
func (p Params) Secure() bool { return p.Identity != "" }

// SecureVarsFile is the per-environment vars file inside the secure checkout.
func (p Params) SecureVarsFile() string {
	if p.SecureVars != "" {
		return BaseDir + "/configuration-secure/" + strings.TrimPrefix(p.SecureVars, "/")
	}
	return fmt.Sprintf("%s/configuration-secure/ansible/vars/%s/%s-%s.yml",
		BaseDir, p.Environment, p.Environment, p.Deployment)
}

// Validate checks the required parameters.
func (p Params) Validate() error {
	required := map[string]string{
		"queue name":  p.QueueName,
		"environment": p.Environment,
		"deployment":  p.Deployment,
		"play":        p.Play,
	}
	var missing []string
	for name, v := range required {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: %s", ErrMissingParam, strings.Join(missing, ", "))
	}
	return nil
}

// Render produces the user-data script.
func Render(p Params) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	vars, err := extraVarsDocument(p)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	err = scriptTemplate.Execute(&buf, struct {
		Params
		BaseDir            string
		ExtraVars          string
		CallbackPlugin     string
		CallbackPluginName string
	}{
		Params:             p,
		BaseDir:            BaseDir,
		ExtraVars:          vars,
		CallbackPlugin:     callbackPlugin,
		CallbackPluginName: CallbackPluginName,
	})
	if err != nil {
		return "", fmt.Errorf("render user data: %w", err)
	}
	return buf.String(), nil
}

func extraVarsDocument(p Params) (string, error) {
	doc := map[string]any{}
	if p.Secure() {
		doc["secure_vars"] = p.SecureVarsFile()
	}
	for k, v := range p.ExtraVars {
		doc[k] = v
	}
	if len(doc) == 0 {
		return "---\n{}\n", nil
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal extra vars: %w", err)
	}
	return "---\n" + string(data), nil
}

// LoadIdentity reads a private key file and checks that it parses.
// Passphrase-protected keys are rejected since the instance cannot prompt.
func LoadIdentity(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read identity: %w", err)
	}
	if _, err := ssh.ParsePrivateKey(data); err != nil {
		return "", fmt.Errorf("parse identity %s: %w", path, err)
	}
	return string(data), nil
}

// LoadExtraVars reads a YAML mapping of extra variables.
func LoadExtraVars(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read extra vars: %w", err)
	}
	vars := map[string]any{}
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return nil, fmt.Errorf("parse extra vars %s: %w", path, err)
	}
	return vars, nil
}

// shellQuote single-quotes s for bash.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// withNewline makes s end with exactly one newline so a heredoc delimiter can follow it.
func withNewline(s string) string {
	return strings.TrimRight(s, "\n") + "\n"
}

var scriptTemplate = template.Must(template.New("user-data").
	Funcs(template.FuncMap{"q": shellQuote, "nl": withNewline}).
	Parse(script))

const script = `#!/bin/bash
set -x
set -e
set -o pipefail
exec > >(tee /var/log/user-data.log|logger -t user-data -s 2>/dev/console) 2>&1

base_dir={{q .BaseDir}}
extra_vars="$base_dir/extra-vars-$$.yml"
secure_identity="$base_dir/secure-identity"
git_ssh="$base_dir/git_ssh.sh"
callback_dir="$base_dir/callback_plugins"
environment={{q .Environment}}
deployment={{q .Deployment}}
play={{q .Play}}

metadata=http://169.254.169.254/latest/meta-data
instance_id=$(curl -s $metadata/instance-id 2>/dev/null)
instance_ip=$(curl -s $metadata/local-ipv4 2>/dev/null)

ABBEY_ENABLE_EVENTS=true
ABBEY_QUEUE_NAME={{q .QueueName}}
ABBEY_REGION={{q .Region}}
ABBEY_TRANSPORT={{q .Transport}}
{{- if .NATSURL}}
ABBEY_NATS_URL={{q .NATSURL}}
{{- end}}
{{- if .RedisURL}}
ABBEY_REDIS_URL={{q .RedisURL}}
{{- end}}
ABBEY_MSG_PREFIX="[ $instance_id $instance_ip $environment-$deployment $play ]"
PYTHONUNBUFFERED=1

export ABBEY_ENABLE_EVENTS ABBEY_QUEUE_NAME ABBEY_REGION ABBEY_TRANSPORT ABBEY_MSG_PREFIX PYTHONUNBUFFERED
{{- if .NATSURL}} ABBEY_NATS_URL{{end}}
{{- if .RedisURL}} ABBEY_REDIS_URL{{end}}

if [[ ! -x /usr/bin/git || ! -x /usr/bin/pip ]]; then
    echo "Installing pkg dependencies"
    /usr/bin/apt-get update
    /usr/bin/apt-get install -y git python3-pip python3-apt \
        build-essential python3-dev libxml2-dev libxslt-dev curl
fi
{{- if .RelayBinaryURL}}

curl -fsSL -o /usr/local/bin/abbey {{q .RelayBinaryURL}}
chmod 755 /usr/local/bin/abbey
{{- end}}

rm -rf "$base_dir"
mkdir -p "$base_dir"
cd "$base_dir"

cat << ABBEY_EOF > "$git_ssh"
#!/bin/sh
exec /usr/bin/ssh -o StrictHostKeyChecking=no -i "$secure_identity" "\$@"
ABBEY_EOF
chmod 755 "$git_ssh"
{{- if .Secure}}

cat << 'ABBEY_EOF' > "$secure_identity"
{{nl .Identity}}ABBEY_EOF
chmod 400 "$secure_identity"
git_cmd="env GIT_SSH=$git_ssh git"
{{- else}}

git_cmd="git"
{{- end}}

cat << 'ABBEY_EOF' > "$extra_vars"
{{.ExtraVars}}ABBEY_EOF

mkdir -p "$callback_dir"
cat << 'ABBEY_EOF' > "$callback_dir/{{.CallbackPluginName}}.py"
{{.CallbackPlugin}}ABBEY_EOF

ANSIBLE_CALLBACK_PLUGINS="$callback_dir"
ANSIBLE_CALLBACKS_ENABLED={{.CallbackPluginName}}
ANSIBLE_CALLBACK_WHITELIST={{.CallbackPluginName}}
export ANSIBLE_CALLBACK_PLUGINS ANSIBLE_CALLBACKS_ENABLED ANSIBLE_CALLBACK_WHITELIST

$git_cmd clone -b {{q .ConfigurationVersion}} {{q .ConfigurationRepo}} configuration
{{- if .Secure}}
$git_cmd clone -b {{q .SecureVersion}} {{q .SecureRepo}} configuration-secure
{{- end}}

cd "$base_dir/configuration"
sudo pip install -r requirements.txt

cd "$base_dir/configuration/"{{q .PlaybookDir}}

ansible-playbook -c local -i "localhost," "$play.yml" -e@"$extra_vars" | abbey relay

rm -rf "$base_dir"
`
