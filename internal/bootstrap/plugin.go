package bootstrap

// CallbackPluginName is the automation tool's name for the plugin that feeds
// `abbey relay`.
const CallbackPluginName = "abbey_relay"

// callbackPlugin prints one JSON line per lifecycle callback to stdout, in
// the line protocol the relay reads. It is a notification callback, so the
// default stdout callback keeps printing the human-readable output around it.
const callbackPlugin = `from __future__ import absolute_import, division, print_function
__metaclass__ = type

import json
import sys

from ansible.plugins.callback import CallbackBase

SETUP_ACTIONS = ('setup', 'gather_facts', 'ansible.builtin.setup', 'ansible.builtin.gather_facts')
COUNTERS = ('changed', 'failures', 'ok', 'skipped')


class CallbackModule(CallbackBase):
    CALLBACK_VERSION = 2.0
    CALLBACK_TYPE = 'notification'
    CALLBACK_NAME = 'abbey_relay'
    CALLBACK_NEEDS_ENABLED = True
    CALLBACK_NEEDS_WHITELIST = True

    def _emit(self, event, **fields):
        fields['event'] = event
        sys.stdout.write(json.dumps(fields, default=str) + '\n')
        sys.stdout.flush()

    def _result(self, result):
        res = dict(result._result)
        invocation = dict(res.get('invocation') or {})
        action = result._task.action
        invocation.setdefault('module_name', 'setup' if action in SETUP_ACTIONS else action)
        res['invocation'] = invocation
        return res

    def v2_playbook_on_play_start(self, play):
        self._emit('play_start', pattern=', '.join(play.hosts) if isinstance(play.hosts, list) else play.hosts)

    def v2_playbook_on_task_start(self, task, is_conditional):
        self._emit('task_start', name=task.get_name())

    def v2_playbook_on_handler_task_start(self, task):
        self._emit('task_start', name=task.get_name())

    def v2_runner_on_ok(self, result):
        self._emit('runner_ok', result=self._result(result))

    def v2_runner_on_failed(self, result, ignore_errors=False):
        self._emit('runner_failed', result=self._result(result), ignore_errors=bool(ignore_errors))

    def v2_runner_on_unreachable(self, result):
        self._emit('runner_failed', result=self._result(result), ignore_errors=False)

    def v2_playbook_on_stats(self, stats):
        counters = dict((name, sum(getattr(stats, name).values())) for name in COUNTERS)
        counters['processed'] = len(stats.processed)
        self._emit('stats', stats=counters)
`
